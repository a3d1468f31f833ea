package scalar

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/protobuf/encoding/protowire"
)

// FileVersion is written as the first event of every file.
const FileVersion = "brain.Event:2"

// ErrCorruptRecord is returned when a record fails its checksum or is
// truncated.
var ErrCorruptRecord = errors.New("corrupt event record")

// Event fields.
const (
	fieldWallTime    protowire.Number = 1
	fieldStep        protowire.Number = 2
	fieldFileVersion protowire.Number = 3
	fieldSummary     protowire.Number = 5

	fieldSummaryValue protowire.Number = 1

	fieldValueTag         protowire.Number = 1
	fieldValueSimpleValue protowire.Number = 2
)

var castagnoli = crc32.MakeTable(crc32.Castagnoli)

// maskedCRC is the record checksum: CRC32C rotated right by 15 plus a
// constant.
func maskedCRC(b []byte) uint32 {
	c := crc32.Checksum(b, castagnoli)
	return (c>>15 | c<<17) + 0xa282ead8
}

// EventWriter writes scalars to a TensorBoard event file.
type EventWriter struct {
	mu   sync.Mutex
	path string
	f    *os.File
	w    *bufio.Writer
	now  func() time.Time
	err  error
}

// NewEventWriter creates dir if needed and opens a new event file in it,
// named events.out.tfevents.<unix seconds>.<hostname>.
func NewEventWriter(dir string) (*EventWriter, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("creating log dir: %w", err)
	}
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	now := time.Now()
	path := filepath.Join(dir, fmt.Sprintf("events.out.tfevents.%010d.%s", now.Unix(), host))
	//nolint:gosec // G304: log directory is chosen by the operator.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, fmt.Errorf("creating event file: %w", err)
	}
	ew := &EventWriter{path: path, f: f, w: bufio.NewWriter(f), now: time.Now}
	if err := ew.writeRecord(encodeEvent(wallTime(now), 0, FileVersion, "", 0, false)); err != nil {
		f.Close()
		return nil, err
	}
	if err := ew.w.Flush(); err != nil {
		f.Close()
		return nil, fmt.Errorf("writing event file header: %w", err)
	}
	return ew, nil
}

// Path returns the event file path.
func (ew *EventWriter) Path() string { return ew.path }

// AddScalar appends one scalar summary event.
func (ew *EventWriter) AddScalar(tag string, value float64, step int64) error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.err != nil {
		return ew.err
	}
	rec := encodeEvent(wallTime(ew.now()), step, "", tag, float32(value), true)
	if err := ew.writeRecord(rec); err != nil {
		ew.err = err
		return err
	}
	return nil
}

// Flush writes buffered events to the file.
func (ew *EventWriter) Flush() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.err != nil {
		return ew.err
	}
	if err := ew.w.Flush(); err != nil {
		ew.err = fmt.Errorf("flushing events: %w", err)
		return ew.err
	}
	return nil
}

// Close flushes and closes the file. Further writes fail.
func (ew *EventWriter) Close() error {
	ew.mu.Lock()
	defer ew.mu.Unlock()
	if ew.f == nil {
		return nil
	}
	ferr := ew.w.Flush()
	cerr := ew.f.Close()
	ew.f = nil
	if ew.err == nil {
		ew.err = os.ErrClosed
	}
	return errors.Join(ferr, cerr)
}

func (ew *EventWriter) writeRecord(data []byte) error {
	var hdr [12]byte
	binary.LittleEndian.PutUint64(hdr[:8], uint64(len(data)))
	binary.LittleEndian.PutUint32(hdr[8:], maskedCRC(hdr[:8]))
	var foot [4]byte
	binary.LittleEndian.PutUint32(foot[:], maskedCRC(data))
	for _, b := range [][]byte{hdr[:], data, foot[:]} {
		if _, err := ew.w.Write(b); err != nil {
			return fmt.Errorf("writing event: %w", err)
		}
	}
	return nil
}

func wallTime(t time.Time) float64 {
	return float64(t.UnixNano()) / 1e9
}

func encodeEvent(wall float64, step int64, version, tag string, value float32, hasValue bool) []byte {
	var b []byte
	b = protowire.AppendTag(b, fieldWallTime, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, math.Float64bits(wall))
	if step != 0 {
		b = protowire.AppendTag(b, fieldStep, protowire.VarintType)
		b = protowire.AppendVarint(b, uint64(step))
	}
	if version != "" {
		b = protowire.AppendTag(b, fieldFileVersion, protowire.BytesType)
		b = protowire.AppendString(b, version)
	}
	if hasValue {
		var v []byte
		v = protowire.AppendTag(v, fieldValueTag, protowire.BytesType)
		v = protowire.AppendString(v, tag)
		v = protowire.AppendTag(v, fieldValueSimpleValue, protowire.Fixed32Type)
		v = protowire.AppendFixed32(v, math.Float32bits(value))

		var s []byte
		s = protowire.AppendTag(s, fieldSummaryValue, protowire.BytesType)
		s = protowire.AppendBytes(s, v)

		b = protowire.AppendTag(b, fieldSummary, protowire.BytesType)
		b = protowire.AppendBytes(b, s)
	}
	return b
}

// Event is one decoded event. Scalar events carry Tag and Value; the file
// header carries FileVersion.
type Event struct {
	WallTime    float64
	Step        int64
	FileVersion string
	Tag         string
	Value       float32
}

// ReadEvents decodes every record of an event file, verifying checksums.
// Summaries with several values yield one Event per value.
func ReadEvents(r io.Reader) ([]Event, error) {
	br := bufio.NewReader(r)
	var out []Event
	for {
		var hdr [12]byte
		if _, err := io.ReadFull(br, hdr[:]); err != nil {
			if errors.Is(err, io.EOF) {
				return out, nil
			}
			return out, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		if maskedCRC(hdr[:8]) != binary.LittleEndian.Uint32(hdr[8:]) {
			return out, fmt.Errorf("%w: length checksum", ErrCorruptRecord)
		}
		n := binary.LittleEndian.Uint64(hdr[:8])
		if n > 1<<30 {
			return out, fmt.Errorf("%w: record of %d bytes", ErrCorruptRecord, n)
		}
		data := make([]byte, n+4)
		if _, err := io.ReadFull(br, data); err != nil {
			return out, fmt.Errorf("%w: %v", ErrCorruptRecord, err)
		}
		body := data[:n]
		if maskedCRC(body) != binary.LittleEndian.Uint32(data[n:]) {
			return out, fmt.Errorf("%w: data checksum", ErrCorruptRecord)
		}
		evs, err := decodeEvent(body)
		if err != nil {
			return out, err
		}
		out = append(out, evs...)
	}
}

// ReadEventFile reads the events of the file at path.
func ReadEventFile(path string) ([]Event, error) {
	//nolint:gosec // G304: path is provided by the user.
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening event file: %w", err)
	}
	defer f.Close()
	return ReadEvents(f)
}

func decodeEvent(b []byte) ([]Event, error) {
	var base Event
	var values []Event
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		switch {
		case num == fieldWallTime && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			base.WallTime = math.Float64frombits(v)
			return n, nil
		case num == fieldStep && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			base.Step = int64(v)
			return n, nil
		case num == fieldFileVersion && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			base.FileVersion = v
			return n, nil
		case num == fieldSummary && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return n, nil
			}
			vals, err := decodeSummary(v)
			values = append(values, vals...)
			return n, err
		}
		return protowire.ConsumeFieldValue(num, typ, b), nil
	})
	if err != nil {
		return nil, err
	}
	if len(values) == 0 {
		return []Event{base}, nil
	}
	for i := range values {
		values[i].WallTime = base.WallTime
		values[i].Step = base.Step
		values[i].FileVersion = base.FileVersion
	}
	return values, nil
}

func decodeSummary(b []byte) ([]Event, error) {
	var out []Event
	err := forEachField(b, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
		if num != fieldSummaryValue || typ != protowire.BytesType {
			return protowire.ConsumeFieldValue(num, typ, b), nil
		}
		v, n := protowire.ConsumeBytes(b)
		if n < 0 {
			return n, nil
		}
		var ev Event
		err := forEachField(v, func(num protowire.Number, typ protowire.Type, b []byte) (int, error) {
			switch {
			case num == fieldValueTag && typ == protowire.BytesType:
				s, n := protowire.ConsumeString(b)
				ev.Tag = s
				return n, nil
			case num == fieldValueSimpleValue && typ == protowire.Fixed32Type:
				x, n := protowire.ConsumeFixed32(b)
				ev.Value = math.Float32frombits(x)
				return n, nil
			}
			return protowire.ConsumeFieldValue(num, typ, b), nil
		})
		out = append(out, ev)
		return n, err
	})
	return out, err
}

// forEachField walks the fields of a message. fn consumes the value that
// follows the tag and returns its length, negative on a parse error.
func forEachField(b []byte, fn func(protowire.Number, protowire.Type, []byte) (int, error)) error {
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(n))
		}
		b = b[n:]
		m, err := fn(num, typ, b)
		if err != nil {
			return err
		}
		if m < 0 {
			return fmt.Errorf("%w: %v", ErrCorruptRecord, protowire.ParseError(m))
		}
		b = b[m:]
	}
	return nil
}
