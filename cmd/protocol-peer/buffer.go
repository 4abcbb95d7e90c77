package main

import (
	"context"

	"github.com/dxos-deprecated/protocol/extension"
	"github.com/dxos-deprecated/protocol/internal/logger"
)

// newBufferExtension builds the demo "buffer" extension both serve and
// dial register: it echoes back whatever payload it receives.
func newBufferExtension(log logger.Logger) *extension.Extension {
	return extension.NewExtension("buffer", extension.NewOptions{Logger: log}).
		SetOnMessage(func(_ context.Context, _ extension.SessionLink, data interface{}, _ extension.Options) (interface{}, error) {
			return data, nil
		})
}
