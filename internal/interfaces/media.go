package interfaces

// Media is the storage behind a simulated namespace. Offsets and lengths
// are in bytes; the simulator converts LBAs using the namespace block size.
type Media interface {
	// ReadAt and WriteAt follow io.ReaderAt and io.WriterAt.
	// Implementations must not retain p.
	ReadAt(p []byte, off int64) (n int, err error)
	WriteAt(p []byte, off int64) (n int, err error)

	// Size returns the capacity in bytes.
	Size() int64

	// Flush makes prior writes durable. It backs the NVM Flush command.
	Flush() error

	Close() error
}

// DiscardMedia is implemented by media that can deallocate ranges. It
// backs Dataset Management with the deallocate attribute.
type DiscardMedia interface {
	Media

	Discard(offset, length int64) error
}

// WriteZeroesMedia is implemented by media with a native zero fill. It
// backs Write Zeroes.
type WriteZeroesMedia interface {
	Media

	WriteZeroes(offset, length int64) error
}

// StatMedia is implemented by media that report usage statistics.
type StatMedia interface {
	Media

	Stats() map[string]interface{}
}
