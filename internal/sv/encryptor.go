package sv

import "io"

// Encryptor encrypts blob content at rest.
// Encryption uses the public key only. Decryption requires a passphrase to
// unlock the private key, producing a DecryptionContext for the process.
type Encryptor interface {
	// Setup performs one-time key generation. Called during `sheetvault config init`.
	Setup(passphrase string) error

	// EncryptWriter returns a writer that encrypts everything written to it
	// into w. Closing it flushes the final block; it does not close w.
	EncryptWriter(w io.Writer) (io.WriteCloser, error)

	// Unlock decrypts the private key using the passphrase.
	// Returns an error if the passphrase is incorrect.
	Unlock(passphrase string) (DecryptionContext, error)

	// IsConfigured returns true if both key files exist at configured paths.
	IsConfigured() bool
}

// DecryptionContext holds an unlocked private key in memory.
type DecryptionContext interface {
	// DecryptReader returns a reader producing the plaintext of r.
	DecryptReader(r io.Reader) (io.Reader, error)
}
