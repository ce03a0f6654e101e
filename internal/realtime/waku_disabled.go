//go:build !real_waku

package realtime

import (
	"errors"
	"log/slog"
)

func newWakuBus(Config, *slog.Logger) (Bus, func(), error) {
	return nil, nil, errors.New("waku transport is not available in this build; rebuild with -tags real_waku")
}
