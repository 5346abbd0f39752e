// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"maps"

	"github.com/absmach/fluxcb/storage"
	"github.com/absmach/fluxcb/transport"
)

func toStorage(addrs []transport.Address) []storage.Address {
	out := make([]storage.Address, len(addrs))
	for i, a := range addrs {
		out[i] = storage.Address{
			Type:     a.Type,
			Location: a.Location,
			Headers:  maps.Clone(a.Headers),
			Options:  maps.Clone(a.Options),
			Timeout:  a.Timeout,
			Oneway:   a.Oneway,
			Compress: a.Compress,
		}
	}
	return out
}

func fromStorage(addrs []storage.Address) []transport.Address {
	out := make([]transport.Address, len(addrs))
	for i, a := range addrs {
		out[i] = transport.Address{
			Type:     a.Type,
			Location: a.Location,
			Headers:  maps.Clone(a.Headers),
			Options:  maps.Clone(a.Options),
			Timeout:  a.Timeout,
			Oneway:   a.Oneway,
			Compress: a.Compress,
		}
	}
	return out
}
