package crypto

import (
	"fmt"

	"github.com/sirupsen/logrus"
)

// SecureFieldHash creates a secure hash preview of sensitive data for logging.
// This shows only the first 8 bytes of sensitive data for debugging purposes,
// so private key material never reaches a log sink in full.
func SecureFieldHash(data []byte, name string) logrus.Fields {
	preview := "nil"
	if len(data) > 0 {
		previewLen := 8
		if len(data) < previewLen {
			previewLen = len(data)
		}
		preview = fmt.Sprintf("%x", data[:previewLen])
		if len(data) > previewLen {
			preview += "..."
		}
	}

	return logrus.Fields{
		name + "_preview": preview,
		name + "_size":    len(data),
	}
}
