package httpclient

import (
	"errors"
	"fmt"
	"io"
)

// BodyLimitError reports a response body that exceeded the read cap.
type BodyLimitError struct {
	Limit int64
}

func (e BodyLimitError) Error() string {
	return fmt.Sprintf("response body exceeded %d bytes", e.Limit)
}

// IsBodyLimit reports whether err is a capped-read overflow.
func IsBodyLimit(err error) bool {
	var limitErr BodyLimitError
	return errors.As(err, &limitErr)
}

// ReadBody drains a response body up to limit bytes. A non-positive
// limit reads everything. Channel replies are small; anything past
// the cap means the endpoint is misbehaving and the body is garbage.
func ReadBody(r io.Reader, limit int64) ([]byte, error) {
	if limit <= 0 {
		return io.ReadAll(r)
	}
	lr := &io.LimitedReader{R: r, N: limit + 1}
	data, err := io.ReadAll(lr)
	if err != nil {
		return nil, err
	}
	if int64(len(data)) > limit {
		return nil, BodyLimitError{Limit: limit}
	}
	return data, nil
}
