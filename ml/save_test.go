package ml

import (
	"bytes"
	"math/rand/v2"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func assertSameNetwork(t *testing.T, want, got *Network) {
	t.Helper()
	assert.Equal(t, want.ParameterConfig(), got.ParameterConfig())
	assert.Equal(t, want.Recurrent(), got.Recurrent())
	assert.Equal(t, want.HiddenActivation(), got.HiddenActivation())
	assert.Equal(t, want.OutputActivation(), got.OutputActivation())
	for i := 0; i <= want.Layers(); i++ {
		assert.Equal(t, want.HiddenWeight(i).String(), got.HiddenWeight(i).String())
		assert.Equal(t, want.HiddenWeight(i).RawData(), got.HiddenWeight(i).RawData())
		assert.Equal(t, want.Bias(i).RawData(), got.Bias(i).RawData())
	}
	if want.Recurrent() {
		for i := 0; i < want.Layers(); i++ {
			assert.Equal(t, want.RecurrenceWeight(i).RawData(), got.RecurrenceWeight(i).RawData())
		}
	}
}

func TestSaveRoundTrip(t *testing.T) {
	dir := t.TempDir()
	variants := map[string][]Option{
		"recurrent":    nil,
		"feed-forward": {FeedForward()},
	}
	for name, opts := range variants {
		t.Run(name, func(t *testing.T) {
			nw := testNetwork(t, deepParams, ActivationConfig{Hidden: ActRelu, Output: ActSigmoid}, 41, opts...)
			path := filepath.Join(dir, name+".model")
			require.NoError(t, nw.SaveToFile(path))
			info, err := os.Stat(path)
			require.NoError(t, err)
			assert.Equal(t, os.FileMode(0o644), info.Mode().Perm())

			loaded, err := LoadFromFile(path)
			require.NoError(t, err)
			assertSameNetwork(t, nw, loaded)

			seq := randomSequence(rand.NewPCG(7, 7), 3, deepParams.InputSize)
			want, err := nw.Predict(seq)
			require.NoError(t, err)
			got, err := loaded.Predict(seq)
			require.NoError(t, err)
			assert.Equal(t, want, got)

			entries, err := os.ReadDir(dir)
			require.NoError(t, err)
			for _, e := range entries {
				assert.NotContains(t, e.Name(), ".tmp")
			}
		})
	}
}

func TestWriteToLayout(t *testing.T) {
	params := ParameterConfig{Layers: 2, InputSize: 3, OutputSize: 1, UnitsByLayer: []int{2, 4}}
	nw := testNetwork(t, params, ActivationConfig{Hidden: ActSigmoid, Output: ActNone}, 42)

	var buf bytes.Buffer
	n, err := nw.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, int64(buf.Len()), n)

	lines := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")
	// header, 3 weights, 2 recurrence weights, 3 biases, 2 activations
	require.Len(t, lines, 4+3+2+3+2)
	assert.Equal(t, []string{"2", "3", "1", "2,4"}, lines[:4])
	assert.True(t, strings.HasPrefix(lines[4], "3,2#"))
	assert.True(t, strings.HasPrefix(lines[5], "2,4#"))
	assert.True(t, strings.HasPrefix(lines[6], "4,1#"))
	assert.True(t, strings.HasPrefix(lines[7], "2,2#"))
	assert.True(t, strings.HasPrefix(lines[8], "4,4#"))
	assert.True(t, strings.HasPrefix(lines[9], "2#"))
	assert.True(t, strings.HasPrefix(lines[10], "4#"))
	assert.True(t, strings.HasPrefix(lines[11], "1#"))
	assert.Equal(t, "sigmoid", lines[12])
	assert.Equal(t, "none", lines[13])

	ff := testNetwork(t, params, ActivationConfig{Hidden: ActSigmoid, Output: ActNone}, 42, FeedForward())
	buf.Reset()
	_, err = ff.WriteTo(&buf)
	require.NoError(t, err)
	assert.Equal(t, 4+3+3+2, strings.Count(buf.String(), "\n"))
}

func TestReadNetworkHandWritten(t *testing.T) {
	src := strings.Join([]string{
		"1",
		"2",
		"1",
		"2",
		"2,2#1,0,0,1",
		"2,1#1,1",
		"2,2#0,0,0,0",
		"2#0,0",
		"1#0.5",
		"relu",
		"none",
		"",
	}, "\n")
	nw, err := ReadNetwork(strings.NewReader(src))
	require.NoError(t, err)
	assert.True(t, nw.Recurrent())

	out, err := nw.Predict([][]float64{{1, 2}})
	require.NoError(t, err)
	assert.Equal(t, [][]float64{{3.5}}, out)
}

func TestReadNetworkCRLF(t *testing.T) {
	src := "1\r\n2\r\n1\r\n2\r\n2,2#1,0,0,1\r\n2,1#1,1\r\n2#0,0\r\n1#0\r\nnone\r\nnone\r\n"
	nw, err := ReadNetwork(strings.NewReader(src))
	require.NoError(t, err)
	assert.False(t, nw.Recurrent())
}

func TestReadNetworkMalformed(t *testing.T) {
	nw := testNetwork(t, ParameterConfig{Layers: 2, InputSize: 3, OutputSize: 2, UnitsByLayer: []int{2, 2}},
		ActivationConfig{Hidden: ActRelu, Output: ActSigmoid}, 43)
	var buf bytes.Buffer
	_, err := nw.WriteTo(&buf)
	require.NoError(t, err)
	good := strings.Split(strings.TrimSuffix(buf.String(), "\n"), "\n")

	edit := func(i int, s string) string {
		lines := append([]string(nil), good...)
		lines[i] = s
		return strings.Join(lines, "\n")
	}
	cases := map[string]string{
		"empty":                  "",
		"bad layer count":        edit(0, "two"),
		"zero layers":            edit(0, "0"),
		"bad input size":         edit(1, "-3"),
		"unit count mismatch":    edit(3, "2"),
		"bad unit":               edit(3, "2,x"),
		"weight shape":           edit(4, "2,3#0,0,0,0,0,0"),
		"weight token count":     edit(4, "3,2#0,0,0,0,0"),
		"weight value":           edit(5, "2,2#0,0,zero,0"),
		"recurrence shape":       edit(7, "2,3#0,0,0,0,0,0"),
		"bias length":            edit(9, "3#0,0,0"),
		"bias value":             edit(10, "2#0,?"),
		"truncated":              strings.Join(good[:len(good)-3], "\n"),
		"trailing data":          strings.Join(append(append([]string(nil), good...), "", "extra"), "\n"),
		"weight instead of bias": edit(10, "2,2#0,0,0,0"),
	}
	for name, src := range cases {
		_, err := ReadNetwork(strings.NewReader(src))
		assert.True(t, errors.Is(err, ErrMalformed), "%s: %v", name, err)
	}

	_, err = ReadNetwork(strings.NewReader(edit(len(good)-1, "softmax")))
	assert.True(t, errors.Is(err, ErrUnknownActivation))
	assert.False(t, errors.Is(err, ErrModelNotFound))
}

func TestLoadFromFileNotFound(t *testing.T) {
	dir := t.TempDir()
	_, err := LoadFromFile(filepath.Join(dir, "missing.model"))
	assert.True(t, errors.Is(err, ErrModelNotFound))
	assert.False(t, errors.Is(err, ErrMalformed))

	path := filepath.Join(dir, "broken.model")
	require.NoError(t, os.WriteFile(path, []byte("1\n2\n"), 0o644))
	_, err = LoadFromFile(path)
	assert.True(t, errors.Is(err, ErrMalformed))
	assert.False(t, errors.Is(err, ErrModelNotFound))
}
