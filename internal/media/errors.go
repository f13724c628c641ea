package media

import "errors"

var (
	// ErrAssetTooLarge indicates the payload exceeds the configured max size.
	ErrAssetTooLarge = errors.New("media asset too large")
	// ErrDownloadFailed indicates the transport could not produce the bytes.
	ErrDownloadFailed = errors.New("media download failed")
	// ErrDecryptFailed indicates an encrypted attachment could not be decrypted.
	ErrDecryptFailed = errors.New("media decrypt failed")
	// ErrAssetNotFound indicates the requested media asset does not exist.
	ErrAssetNotFound = errors.New("media asset not found")
	// ErrPathTraversal indicates a storage key attempted directory traversal.
	ErrPathTraversal = errors.New("path traversal is forbidden")
)
