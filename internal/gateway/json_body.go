package gateway

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
)

// maxBodyBytes leaves room for inline base64 images and files.
const maxBodyBytes = 32 << 20

var errExtraJSONValues = errors.New("request body must contain exactly one JSON value")

// decodeJSONBody decodes exactly one JSON value from the request body. Unknown
// fields are ignored.
func decodeJSONBody(w http.ResponseWriter, r *http.Request, dst any) error {
	if r.Body == nil {
		return io.EOF
	}
	rawBody, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return err
	}

	dec := json.NewDecoder(bytes.NewReader(rawBody))
	if err := dec.Decode(dst); err != nil {
		return err
	}

	var extra any
	if err := dec.Decode(&extra); err != io.EOF {
		if err == nil {
			return errExtraJSONValues
		}
		return fmt.Errorf("invalid trailing JSON: %w", err)
	}
	return nil
}
