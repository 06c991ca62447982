package model

import (
	"encoding/json"
	"testing"
	"testing/fstest"

	qt "github.com/frankban/quicktest"
)

func bundle(c *qt.C, meta map[string]any, extra fstest.MapFS) fstest.MapFS {
	raw, err := json.Marshal(meta)
	c.Assert(err, qt.IsNil)
	fsys := fstest.MapFS{
		"assets/model.json":  {Data: raw},
		"assets/weights.bin": {Data: []byte{1, 2, 3, 4}},
	}
	for k, v := range extra {
		fsys[k] = v
	}
	return fsys
}

func validMeta() map[string]any {
	return map[string]any{
		"format":       "dense",
		"input_shape":  []int64{1, 224, 224, 3},
		"output_shape": []int64{1, 3},
		"classes":      []string{"a", "b", "c"},
		"weights_path": "weights.bin",
	}
}

func TestReadAssets(t *testing.T) {
	c := qt.New(t)

	assets, labels, err := ReadAssets(bundle(c, validMeta(), nil), "assets/model.json")
	c.Assert(err, qt.IsNil)
	c.Assert(labels, qt.DeepEquals, []string{"a", "b", "c"})
	c.Assert(assets.Weights, qt.DeepEquals, []byte{1, 2, 3, 4})
	c.Assert(assets.Metadata.ImageSize, qt.Equals, 224)
	c.Assert(assets.Metadata.NumClasses(), qt.Equals, 3)
}

func TestReadAssets_LabelsFile(t *testing.T) {
	c := qt.New(t)

	meta := validMeta()
	delete(meta, "classes")
	meta["labels_path"] = "labels.txt"
	fsys := bundle(c, meta, fstest.MapFS{
		"assets/labels.txt": {Data: []byte("cat\n\ndog \r\nbird\n")},
	})

	_, labels, err := ReadAssets(fsys, "assets/model.json")
	c.Assert(err, qt.IsNil)
	c.Assert(labels, qt.DeepEquals, []string{"cat", "dog", "bird"})
}

func TestReadAssets_Errors(t *testing.T) {
	c := qt.New(t)

	testCases := []struct {
		name   string
		mutate func(map[string]any)
		fsys   func(fstest.MapFS)
		msg    string
	}{
		{name: "missing descriptor", fsys: func(f fstest.MapFS) { delete(f, "assets/model.json") }, msg: "failed to read metadata: .*"},
		{name: "corrupt descriptor", fsys: func(f fstest.MapFS) { f["assets/model.json"] = &fstest.MapFile{Data: []byte("{")} }, msg: "failed to parse metadata: .*"},
		{name: "missing weights", fsys: func(f fstest.MapFS) { delete(f, "assets/weights.bin") }, msg: "failed to read weights: .*"},
		{name: "empty weights", fsys: func(f fstest.MapFS) { f["assets/weights.bin"] = &fstest.MapFile{} }, msg: "weights file weights.bin is empty"},
		{name: "no format", mutate: func(m map[string]any) { delete(m, "format") }, msg: ".*format is required"},
		{name: "no weights path", mutate: func(m map[string]any) { delete(m, "weights_path") }, msg: ".*weights_path is required"},
		{name: "bad input shape", mutate: func(m map[string]any) { m["input_shape"] = []int64{224, 224, 3} }, msg: ".*input_shape must be.*"},
		{name: "non square", mutate: func(m map[string]any) { m["input_shape"] = []int64{1, 224, 100, 3} }, msg: ".*image_size 224 does not match.*"},
		{name: "oversized input", mutate: func(m map[string]any) { m["input_shape"] = []int64{1, 1 << 31, 1 << 31, 3} }, msg: ".*input_shape .* exceeds 4096x4096"},
		{name: "oversized output", mutate: func(m map[string]any) { m["output_shape"] = []int64{1, 1 << 40, 1 << 40} }, msg: ".*output_shape .* exceeds 65536 values"},
		{name: "bad output shape", mutate: func(m map[string]any) { m["output_shape"] = []int64{3} }, msg: ".*output_shape must be.*"},
		{name: "label count", mutate: func(m map[string]any) { m["classes"] = []string{"a", "b"} }, msg: "model outputs 3 classes but 2 labels are bundled"},
		{name: "missing labels file", mutate: func(m map[string]any) { delete(m, "classes"); m["labels_path"] = "labels.txt" }, msg: "failed to read labels: .*"},
	}

	for _, tc := range testCases {
		meta := validMeta()
		if tc.mutate != nil {
			tc.mutate(meta)
		}
		fsys := bundle(c, meta, nil)
		if tc.fsys != nil {
			tc.fsys(fsys)
		}
		_, _, err := ReadAssets(fsys, "assets/model.json")
		c.Check(err, qt.ErrorMatches, tc.msg, qt.Commentf("%s", tc.name))
	}
}

func TestPredictionResult(t *testing.T) {
	c := qt.New(t)

	r := PredictionResult{
		{Label: "a", Probability: 0.2, Confidence: FormatConfidence(0.2)},
		{Label: "b", Probability: 0.7, Confidence: FormatConfidence(0.7)},
		{Label: "c", Probability: 0.1, Confidence: FormatConfidence(0.1)},
	}

	c.Assert(r.Top().Label, qt.Equals, "b")
	c.Assert(r[1].Confidence, qt.Equals, "70.00%")

	sorted := r.Sorted()
	c.Assert([]string{sorted[0].Label, sorted[1].Label, sorted[2].Label}, qt.DeepEquals, []string{"b", "a", "c"})
	c.Assert(r[0].Label, qt.Equals, "a")
	c.Assert(PredictionResult(nil).Top(), qt.Equals, Prediction{})
}

func TestStateString(t *testing.T) {
	c := qt.New(t)
	c.Assert(Ready.String(), qt.Equals, "ready")
	c.Assert(Failed.String(), qt.Equals, "failed")
	c.Assert(State(42).String(), qt.Equals, "state(42)")
}
