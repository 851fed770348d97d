package photo

import "errors"

var (
	// ErrInvalidID means the path/query parameter did not parse as a UUID.
	ErrInvalidID = errors.New("invalid photo id")
	// ErrMissingFile means the multipart upload carried no file part.
	ErrMissingFile = errors.New("no file provided")
)
