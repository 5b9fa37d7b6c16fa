// Copyright 2024 The Stmtstats Authors.
//
// Use of this software is governed by the Apache License, Version 2.0,
// included in the /LICENSE file.

// Package queryinfo recovers caller-supplied statement metadata embedded in
// leading single-line comments of the form
//
//	-- {"id": "<uuid>", "query": "<normalized text>", ...}
//
// Frontends that normalize queries themselves use this to attach their own
// identifier, normalized text, statement type and tag to the raw text they
// hand to the backend. The first comment line carrying a well-formed JSON
// object wins; a malformed line spoils only itself, and scanning stops at
// the first non-comment line.
package queryinfo

import (
	"strings"

	simplejson "github.com/bitly/go-simplejson"
	"github.com/cockroachdb/errors"
	"github.com/dbgrove/stmtstats/pkg/stmtstats/stmtstatspb"
	"github.com/dbgrove/stmtstats/pkg/util"
	"github.com/google/uuid"
)

// QueryInfo is one extracted metadata record.
type QueryInfo struct {
	// ID is the caller's identifier for the statement shape. Required.
	ID uuid.UUID
	// Query is the caller's normalized statement text. Required.
	Query string
	// Type classifies the origin/dialect; defaults to extended.
	Type stmtstatspb.StatementType
	// Tag is a free-form caller label.
	Tag string
	// Extra is the remaining JSON payload, re-serialized, or nil if the
	// record carried nothing beyond the recognized fields.
	Extra []byte
}

// Fingerprint derives the collector fingerprint for the record by hashing
// its identifier.
func (qi *QueryInfo) Fingerprint() stmtstatspb.StmtFingerprintID {
	fnv := util.MakeFNV64()
	for _, b := range qi.ID {
		fnv.Add(uint64(b))
	}
	return stmtstatspb.StmtFingerprintID(fnv.Sum())
}

const commentPrefix = "--"

// Extract scans the leading comment lines of source. It returns nil with a
// nil error when no metadata record is present, and an error only when a
// record was found but violates the contract (missing required fields,
// unparseable id).
func Extract(source string) (*QueryInfo, error) {
	rest := source
	for {
		rest = strings.TrimLeft(rest, " \t\r\n")
		if !strings.HasPrefix(rest, commentPrefix) {
			return nil, nil
		}
		line := rest[len(commentPrefix):]
		if i := strings.IndexByte(line, '\n'); i >= 0 {
			rest = line[i+1:]
			line = line[:i]
		} else {
			rest = ""
		}
		line = strings.TrimSpace(line)
		if !strings.HasPrefix(line, "{") {
			continue
		}
		j, err := simplejson.NewJson([]byte(line))
		if err != nil {
			// Malformed JSON spoils this line only.
			continue
		}
		return parseRecord(j)
	}
}

func parseRecord(j *simplejson.Json) (*QueryInfo, error) {
	idStr, err := j.Get("id").String()
	if err != nil {
		return nil, errors.New("embedded query metadata is missing required field \"id\"")
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, errors.Wrapf(err, "embedded query metadata has unparseable id %q", idStr)
	}
	query, err := j.Get("query").String()
	if err != nil {
		return nil, errors.New("embedded query metadata is missing required field \"query\"")
	}

	qi := &QueryInfo{
		ID:    id,
		Query: query,
		Type:  stmtstatspb.StatementTypeExtended,
	}
	if t, err := j.Get("type").Int(); err == nil {
		qi.Type = stmtstatspb.StatementType(t)
	}
	if tag, err := j.Get("tag").String(); err == nil {
		qi.Tag = tag
	}

	for _, field := range []string{"id", "query", "type", "tag"} {
		j.Del(field)
	}
	if m, err := j.Map(); err == nil && len(m) > 0 {
		if extra, err := j.Encode(); err == nil {
			qi.Extra = extra
		}
	}
	return qi, nil
}
