package stratum

import (
	"github.com/bytedance/sonic"

	"github.com/bardlex/gomp-relay/pkg/errors"
)

var fastJSON = sonic.ConfigStd

// Encode marshals a message and appends the line terminator.
func Encode(msg any) ([]byte, error) {
	data, err := fastJSON.Marshal(msg)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "encode_message", "failed to marshal message")
	}
	return append(data, '\n'), nil
}
