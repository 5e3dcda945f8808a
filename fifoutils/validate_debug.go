//go:build debug_fifo_utils

package fifoutils

// DebugValidate will call Validate on the provided object and panics if any errors are returned. This
// method no-ops unless the debug_fifo_utils build tag is present
func DebugValidate(validatable Validatable) {
	err := validatable.Validate()
	if err != nil {
		panic(err)
	}
}

// DebugCheckMask panics if mask carries bits at or above limit.
// This method no-ops unless the debug_fifo_utils build tag is present.
func DebugCheckMask(mask uint32, limit int, name string) {
	err := CheckMask(mask, limit, name)
	if err != nil {
		panic(err)
	}
}
