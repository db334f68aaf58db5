package models

import "time"

// Blob represents the metadata kept for a stored file.
type Blob struct {
	// Name is the client supplied filename; it is also the blob key.
	Name string `json:"name"`
	// Size is the size of the blob in bytes.
	Size int64 `json:"size"`
	// Hash is the SHA256 hash of the blob's content.
	Hash string `json:"hash"`
	// ContentType as reported by the uploader, if any.
	ContentType string `json:"content_type,omitempty"`
	// UploadedAt doubles as the last modified time; blobs are never rewritten.
	UploadedAt time.Time `json:"uploaded_at"`
}

// FileEntry is the listing projection of a Blob returned to clients.
type FileEntry struct {
	Name         string    `json:"name"`
	URL          string    `json:"url"`
	Size         int64     `json:"size"`
	LastModified time.Time `json:"lastModified"`
}
