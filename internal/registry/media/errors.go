package media

import "fmt"

// InvalidFileTypeError indicates the declared content type is not accepted
// for the upload purpose.
type InvalidFileTypeError struct {
	Purpose  string
	MimeType string
}

func (e *InvalidFileTypeError) Error() string {
	return fmt.Sprintf("invalid file type %q for %s upload", e.MimeType, e.Purpose)
}

// TooLargeError indicates the upload exceeded the purpose size limit.
type TooLargeError struct {
	Purpose string
	Limit   int64
}

func (e *TooLargeError) Error() string {
	return fmt.Sprintf("%s upload exceeds maximum size of %d bytes", e.Purpose, e.Limit)
}

// UploadFailedError wraps an object storage failure.
type UploadFailedError struct {
	Err error
}

func (e *UploadFailedError) Error() string {
	return "upload failed: " + e.Err.Error()
}

func (e *UploadFailedError) Unwrap() error { return e.Err }

// ObjectNotFoundError indicates the requested object does not exist.
type ObjectNotFoundError struct {
	ID string
}

func (e *ObjectNotFoundError) Error() string {
	return "media not found: " + e.ID
}

// StreamError indicates the client upload stream failed before completion.
type StreamError struct {
	Err error
}

func (e *StreamError) Error() string {
	return "upload stream interrupted: " + e.Err.Error()
}

func (e *StreamError) Unwrap() error { return e.Err }
