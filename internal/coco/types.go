// Package coco implements the COCO ground-truth format and the COCO
// detection, segmentation and keypoint evaluation protocol.
//
// The evaluation follows the reference protocol: greedy score-ordered
// matching at ten IoU thresholds, 101-point interpolated precision, area
// buckets and per-image detection caps. Masks use the COCO column-major
// run-length encoding and its compressed string form, so annotation files
// produced by other COCO tooling load unchanged.
package coco

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Common errors.
var (
	ErrInvalidRLE         = errors.New("invalid RLE")
	ErrInvalidPolygon     = errors.New("polygon needs at least three points")
	ErrUnknownIoUType     = errors.New("unknown IoU type")
	ErrResultImageMissing = errors.New("result refers to an image not in the ground truth")
	ErrMissingSegment     = errors.New("annotation has no segmentation")
	ErrMissingKeypoints   = errors.New("annotation has no keypoints")
)

// IoUType selects what is compared between detections and ground truth.
type IoUType string

// Supported IoU types.
const (
	IoUBBox      IoUType = "bbox"
	IoUSegm      IoUType = "segm"
	IoUKeypoints IoUType = "keypoints"
)

// ParseIoUType validates s.
func ParseIoUType(s string) (IoUType, error) {
	switch t := IoUType(s); t {
	case IoUBBox, IoUSegm, IoUKeypoints:
		return t, nil
	}
	return "", fmt.Errorf("%w: %q", ErrUnknownIoUType, s)
}

// Image describes one image of a dataset.
type Image struct {
	ID       int64  `json:"id"`
	Width    int    `json:"width"`
	Height   int    `json:"height"`
	FileName string `json:"file_name,omitempty"`
}

// Category describes one object class.
type Category struct {
	ID            int      `json:"id"`
	Name          string   `json:"name"`
	Supercategory string   `json:"supercategory,omitempty"`
	Keypoints     []string `json:"keypoints,omitempty"`
	Skeleton      [][2]int `json:"skeleton,omitempty"`
}

// Annotation is either a ground-truth object or a detection result.
// BBox is [x, y, width, height]. Score is only meaningful for results.
type Annotation struct {
	ID           int64         `json:"id"`
	ImageID      int64         `json:"image_id"`
	CategoryID   int           `json:"category_id"`
	Segmentation *Segmentation `json:"segmentation,omitempty"`
	Area         float64       `json:"area"`
	BBox         []float64     `json:"bbox,omitempty"`
	IsCrowd      int           `json:"iscrowd"`
	Keypoints    []float64     `json:"keypoints,omitempty"`
	NumKeypoints int           `json:"num_keypoints,omitempty"`
	Score        float64       `json:"score,omitempty"`
	Ignore       *int          `json:"ignore,omitempty"`
}

// Segmentation is a set of polygons or a single RLE mask.
type Segmentation struct {
	Polygons [][]float64
	RLE      *RLE
}

// UnmarshalJSON accepts a polygon list or an RLE object with either a
// compressed string or an uncompressed count list.
func (s *Segmentation) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		return nil
	}
	if data[0] == '[' {
		s.RLE = nil
		return json.Unmarshal(data, &s.Polygons)
	}
	var raw struct {
		Size   [2]int          `json:"size"`
		Counts json.RawMessage `json:"counts"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	h, w := raw.Size[0], raw.Size[1]
	counts := bytes.TrimSpace(raw.Counts)
	if len(counts) > 0 && counts[0] == '"' {
		var str string
		if err := json.Unmarshal(counts, &str); err != nil {
			return err
		}
		r, err := DecodeString(h, w, str)
		if err != nil {
			return err
		}
		s.RLE = r
		return nil
	}
	var cnts []uint32
	if err := json.Unmarshal(counts, &cnts); err != nil {
		return fmt.Errorf("%w: counts: %v", ErrInvalidRLE, err)
	}
	s.RLE = &RLE{H: h, W: w, Counts: cnts}
	return nil
}

// MarshalJSON writes polygons as nested arrays and RLE masks in the
// compressed string form.
func (s Segmentation) MarshalJSON() ([]byte, error) {
	if s.RLE != nil {
		return json.Marshal(struct {
			Size   [2]int `json:"size"`
			Counts string `json:"counts"`
		}{[2]int{s.RLE.H, s.RLE.W}, s.RLE.String()})
	}
	if s.Polygons == nil {
		return []byte("[]"), nil
	}
	return json.Marshal(s.Polygons)
}

// Dataset is a COCO annotation file.
type Dataset struct {
	Info        json.RawMessage `json:"info,omitempty"`
	Images      []Image         `json:"images"`
	Annotations []Annotation    `json:"annotations"`
	Categories  []Category      `json:"categories"`

	index *index
}
