// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package client

import (
	"encoding/base64"
	"strconv"
	"sync/atomic"

	"github.com/google/uuid"
)

// idGenerator produces {connectionUUID}-{base36(seq)} identifiers. Every
// connection object gets a fresh generator, so ids stay unique across
// restarts without persisting the counter.
type idGenerator struct {
	prefix string
	seq    atomic.Uint64
}

func newIDGenerator() *idGenerator {
	u := uuid.New()
	return &idGenerator{prefix: base64.RawURLEncoding.EncodeToString(u[:])}
}

// next returns the next id. The first call yields sequence 1.
func (g *idGenerator) next() string {
	return g.prefix + "-" + strconv.FormatUint(g.seq.Add(1), 36)
}
