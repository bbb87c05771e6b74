//go:build debug_mem_utils

package memutils

const (
	// DebugFillTiles indicates whether freshly allocated and freed tile memory should be overwritten
	// with a recognizable pattern so that reads of stale or uninitialized tiles stand out
	DebugFillTiles bool = true
	// debugFillPattern is the byte written across tile memory when DebugFillTiles is set
	debugFillPattern byte = 0xCD
)

// FillDebugPattern overwrites the provided memory with an easy-to-identify byte pattern.
// This method no-ops unless the debug_mem_utils build tag is present.
func FillDebugPattern(data []byte) {
	for i := range data {
		data[i] = debugFillPattern
	}
}

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_mem_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckPow2 will verify that the numerical value passed in is a power of two, and panics if it is not.
// This method no-ops unless the debug_mem_utils build tag is present.
func DebugCheckPow2[T Number](value T, name string) {
	err := CheckPow2[T](value, name)
	if err != nil {
		panic(err)
	}
}
