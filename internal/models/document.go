package models

// Document is a file handed to the orchestrator for upload.
type Document struct {
	Filename    string
	ContentType string // declared MIME type, may be empty
	Content     []byte
}

// Size returns the payload length in bytes.
func (d Document) Size() int64 {
	return int64(len(d.Content))
}
