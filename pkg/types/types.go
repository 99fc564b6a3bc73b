package types

// Model represents a model file discovered on disk.
type Model struct {
	// Stable identifier for the model: the file name including extension.
	ID string `json:"id"`
	// File name without extension.
	Name string `json:"name"`
	// Absolute path to the model file on disk.
	Path string `json:"path"`
	// File format derived from the extension (gguf, bin).
	Format string `json:"format"`
	// Quantization level guessed from the file name, if any.
	Quant string `json:"quant,omitempty"`
	// File size in bytes.
	SizeBytes int64 `json:"size_bytes"`
	// Last modification time in unix milliseconds.
	ModifiedAt int64 `json:"modified_at"`
}
