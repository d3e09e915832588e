//go:build !linux
// +build !linux

package metrics

import "errors"

func newIfStatsReader() (ifStatsReader, error) {
	return nil, errors.New("interface statistics require linux")
}
