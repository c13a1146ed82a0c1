package sbchunk

import (
	"bufio"
	"bytes"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// FullHashRecord is one 32-byte full hash returned for a list in a gethash
// response, tied to the add chunk that carried its prefix.
type FullHashRecord struct {
	List     string
	ChunkNum uint32
	Hash     [32]byte
}

// EncodeFullHashRequest renders a gethash request body: a "SIZE:TOTAL\n"
// header naming the per-prefix size and total prefix bytes, followed by
// the prefixes back to back. All prefixes must share one length.
func EncodeFullHashRequest(prefixes [][]byte) (body []byte, err error) {
	if len(prefixes) == 0 {
		return nil, fmt.Errorf("no prefixes to request")
	}

	size := len(prefixes[0])
	b := &bytes.Buffer{}
	fmt.Fprintf(b, "%d:%d\n", size, size*len(prefixes))

	for _, p := range prefixes {
		if len(p) != size {
			return nil, fmt.Errorf("prefix of length %d in a request of %d-byte prefixes", len(p), size)
		}

		b.Write(p)
	}

	return b.Bytes(), nil
}

// DecodeFullHashResponse decodes a gethash response body. Each record is
// preceded by a "LIST:CHUNKNUM:LEN\n" header. An optional metadata segment,
// an "m:LEN\n" line followed by LEN bytes, may appear wherever a record
// header is expected; it is accepted and discarded rather than treated as
// a parse error, since a server may attach it even though the documented
// format doesn't require it.
func DecodeFullHashResponse(r io.Reader) (records []FullHashRecord, err error) {
	br := bufio.NewReader(r)

	for {
		line, rErr := br.ReadString('\n')
		if rErr != nil && line == "" {
			if rErr == io.EOF {
				return records, nil
			}

			return nil, fmt.Errorf("reading full-hash header: %w", rErr)
		}

		line = strings.TrimSuffix(strings.TrimSuffix(line, "\n"), "\r")
		if line == "" {
			return records, nil
		}

		if strings.HasPrefix(line, "m:") {
			if err = skipMetadata(br, line); err != nil {
				return nil, err
			}

			continue
		}

		parts := strings.SplitN(line, ":", 3)
		if len(parts) != 3 {
			return nil, fmt.Errorf("malformed full-hash header %q", line)
		}

		list := parts[0]
		chunkNum, pErr := strconv.ParseUint(parts[1], 10, 32)
		if pErr != nil {
			return nil, fmt.Errorf("malformed full-hash chunk number %q: %w", line, pErr)
		}

		length, pErr := strconv.Atoi(parts[2])
		if pErr != nil {
			return nil, fmt.Errorf("malformed full-hash length %q: %w", line, pErr)
		}

		if length%32 != 0 {
			return nil, fmt.Errorf("full-hash body length %d not a multiple of 32", length)
		}

		body := make([]byte, length)
		if _, rErr = io.ReadFull(br, body); rErr != nil {
			return nil, fmt.Errorf("reading full-hash body: %w", rErr)
		}

		for off := 0; off < len(body); off += 32 {
			var h [32]byte
			copy(h[:], body[off:off+32])
			records = append(records, FullHashRecord{
				List:     list,
				ChunkNum: uint32(chunkNum),
				Hash:     h,
			})
		}
	}
}

// skipMetadata discards the metadata segment named by an "m:LEN" header
// line.
func skipMetadata(br *bufio.Reader, line string) (err error) {
	length, err := strconv.Atoi(strings.TrimPrefix(line, "m:"))
	if err != nil {
		return fmt.Errorf("malformed metadata length %q: %w", line, err)
	}

	if _, err = io.CopyN(io.Discard, br, int64(length)); err != nil {
		return fmt.Errorf("skipping metadata: %w", err)
	}

	return nil
}
