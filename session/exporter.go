// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"strconv"

	"github.com/absmach/fluxcb/delivery"
	"github.com/absmach/fluxcb/storage"
)

// Properties set by HeaderExporter.
const (
	PropertySessionID = "session_id"
	PropertyRedeliver = "redeliver"
)

// HeaderExporter returns an exporter that stamps the session id and the
// redelivery count into the properties of a copy of each entry.
func HeaderExporter(sessionID string) delivery.Exporter {
	return func(e *storage.Entry, redeliver int) (*storage.Entry, error) {
		out := storage.CopyEntry(e)
		if out.Properties == nil {
			out.Properties = make(map[string]string, 2)
		}
		out.Properties[PropertySessionID] = sessionID
		out.Properties[PropertyRedeliver] = strconv.Itoa(redeliver)
		return out, nil
	}
}
