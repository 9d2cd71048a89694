package store

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/eluent/eluent/internal/debug"
	"github.com/eluent/eluent/internal/types"
)

// Record type discriminators for the _type field.
const (
	recordHeader  = "header"
	recordAtom    = "atom"
	recordBond    = "bond"
	recordComment = "comment"
)

// Header is the first line of every data file.
type Header struct {
	RecordType string    `json:"_type"`
	RepoName   string    `json:"repo_name"`
	Generator  string    `json:"generator"`
	CreatedAt  time.Time `json:"created_at"`
}

// Generator identifies the writing tool in data file headers.
const Generator = "eluent"

type atomRecord struct {
	RecordType string `json:"_type"`
	*types.Atom
}

type bondRecord struct {
	RecordType string `json:"_type"`
	*types.Bond
}

type commentRecord struct {
	RecordType string `json:"_type"`
	*types.Comment
}

// typeProbe extracts just the discriminator from a record line.
type typeProbe struct {
	RecordType string `json:"_type"`
}

// MarshalAtom encodes an atom as a data file line (without newline).
func MarshalAtom(a *types.Atom) ([]byte, error) {
	return json.Marshal(atomRecord{RecordType: recordAtom, Atom: a})
}

// MarshalBond encodes a bond as a data file line.
func MarshalBond(b *types.Bond) ([]byte, error) {
	return json.Marshal(bondRecord{RecordType: recordBond, Bond: b})
}

// MarshalComment encodes a comment as a data file line.
func MarshalComment(c *types.Comment) ([]byte, error) {
	return json.Marshal(commentRecord{RecordType: recordComment, Comment: c})
}

// ReadSnapshot parses a JSONL stream into a snapshot. Malformed lines are
// skipped and counted, never fatal — remote data may come from newer or
// older writers. The header line, when present, is returned as well.
func ReadSnapshot(r io.Reader) (*types.Snapshot, *Header, int, error) {
	snap := types.NewSnapshot()
	var header *Header
	skipped := 0
	skip := func(line int, err error) {
		skipped++
		debug.Warnf("%v", &MalformedRecordError{Line: line, Err: err})
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var probe typeProbe
		if err := json.Unmarshal(line, &probe); err != nil {
			skip(lineNum, err)
			continue
		}

		switch probe.RecordType {
		case recordHeader:
			var h Header
			if err := json.Unmarshal(line, &h); err != nil {
				skip(lineNum, err)
				continue
			}
			header = &h
		case recordAtom:
			var rec atomRecord
			rec.Atom = &types.Atom{}
			if err := json.Unmarshal(line, &rec); err != nil {
				skip(lineNum, err)
				continue
			}
			if rec.Atom.ID == "" {
				skip(lineNum, fmt.Errorf("atom record missing id"))
				continue
			}
			rec.Atom.SetDefaults()
			snap.Atoms[rec.Atom.ID] = rec.Atom
		case recordBond:
			var rec bondRecord
			rec.Bond = &types.Bond{}
			if err := json.Unmarshal(line, &rec); err != nil {
				skip(lineNum, err)
				continue
			}
			if rec.Bond.SourceID == "" || rec.Bond.TargetID == "" {
				skip(lineNum, fmt.Errorf("bond record missing endpoint"))
				continue
			}
			snap.Bonds[rec.Bond.Key()] = rec.Bond
		case recordComment:
			var rec commentRecord
			rec.Comment = &types.Comment{}
			if err := json.Unmarshal(line, &rec); err != nil {
				skip(lineNum, err)
				continue
			}
			if rec.Comment.ID == "" {
				skip(lineNum, fmt.Errorf("comment record missing id"))
				continue
			}
			snap.Comments = append(snap.Comments, rec.Comment)
		default:
			// Unknown record types from newer writers pass through the
			// skip counter rather than failing the load.
			skip(lineNum, fmt.Errorf("unknown record type %q", probe.RecordType))
		}
	}
	if err := scanner.Err(); err != nil {
		return snap, header, skipped, fmt.Errorf("reading records: %w", err)
	}
	return snap, header, skipped, nil
}
