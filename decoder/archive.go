package decoder

import (
	"archive/tar"
	"bufio"
	"errors"
	"fmt"
	"io"

	"github.com/gabriel-vasile/mimetype"
	"github.com/klauspost/compress/gzip"

	"wmefetch/internal"
)

// ErrNotSeekable is returned by Seek on an archive member stream.
var ErrNotSeekable = errors.New("archive member stream is not seekable")

// sniffLen is how many leading bytes are inspected to identify the archive.
const sniffLen = 512

// sequentialReader exposes one tar member as a forward-only reader. Seek is
// present only so callers probing for io.Seeker get a clear error.
type sequentialReader struct {
	r    io.Reader
	name string
}

func (s *sequentialReader) Read(p []byte) (int, error) {
	return s.r.Read(p)
}

func (s *sequentialReader) Seek(int64, int) (int64, error) {
	return 0, fmt.Errorf("%s: %w", s.name, ErrNotSeekable)
}

// ReadAll streams a gzip-compressed tar archive of NDJSON files and delivers
// every record of every regular-file member, in archive order, to cb. Nothing
// is buffered beyond the current line. A Stop from cb ends the walk without
// opening further members and ReadAll returns nil. A stream that is not gzip,
// or a corrupt gzip or tar structure, is a DataError.
func ReadAll(r io.Reader, cb internal.RecordCallback, opts ...Option) error {
	br := bufio.NewReaderSize(r, 64*1024)

	head, err := br.Peek(sniffLen)
	if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, bufio.ErrBufferFull) {
		return internal.NewDataError("failed to read archive header", err)
	}
	if len(head) == 0 {
		return internal.NewDataError("archive is empty", io.ErrUnexpectedEOF)
	}
	if mt := mimetype.Detect(head); !mt.Is("application/gzip") {
		return internal.NewDataError(fmt.Sprintf("expected a gzip archive, got %s", mt.String()), nil)
	}

	gz, err := gzip.NewReader(br)
	if err != nil {
		return internal.NewDataError("failed to open gzip stream", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	members := 0
	for {
		hdr, err := tr.Next()
		if errors.Is(err, io.EOF) {
			internal.LogDebug("Finished archive after %d members", members)
			return nil
		}
		if err != nil {
			return internal.NewDataError("failed to read tar archive", err).WithContext("members_read", members)
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}

		members++
		internal.LogDebug("Reading archive member %s (%d bytes)", hdr.Name, hdr.Size)

		action, err := ReadRecords(&sequentialReader{r: tr, name: hdr.Name}, cb, opts...)
		if err != nil {
			return fmt.Errorf("archive member %s: %w", hdr.Name, err)
		}
		if action == internal.Stop {
			return nil
		}
	}
}
