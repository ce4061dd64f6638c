package ml

import (
	"math/rand/v2"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/floats"
)

func testNetwork(t testing.TB, params ParameterConfig, acts ActivationConfig, seed uint64, opts ...Option) *Network {
	t.Helper()
	nw, err := NewNetwork(params, WeightConfig{
		MinWeight: -0.5,
		MaxWeight: 0.5,
		MinBias:   -0.1,
		MaxBias:   0.1,
		Src:       rand.NewPCG(seed, seed+1),
	}, acts, opts...)
	require.NoError(t, err)
	return nw
}

func randomSequence(src rand.Source, steps, width int) [][]float64 {
	r := rand.New(src)
	seq := make([][]float64, steps)
	for t := range seq {
		seq[t] = make([]float64, width)
		for j := range seq[t] {
			seq[t][j] = r.Float64()
		}
	}
	return seq
}

var deepParams = ParameterConfig{
	Layers:       3,
	InputSize:    6,
	OutputSize:   4,
	UnitsByLayer: []int{5, 7, 3},
}

func TestNetworkShapes(t *testing.T) {
	nw := testNetwork(t, deepParams, ActivationConfig{Hidden: ActRelu, Output: ActSigmoid}, 1)

	want := [][2]int{{6, 5}, {5, 7}, {7, 3}, {3, 4}}
	for i, dims := range want {
		r, c := nw.HiddenWeight(i).Dims()
		assert.Equal(t, dims, [2]int{r, c}, "hidden weight %d", i)
		assert.Equal(t, dims[1], nw.Bias(i).Len(), "bias %d", i)
	}
	for i, u := range deepParams.UnitsByLayer {
		r, c := nw.RecurrenceWeight(i).Dims()
		assert.Equal(t, [2]int{u, u}, [2]int{r, c}, "recurrence weight %d", i)
	}
	assert.True(t, nw.Recurrent())
	assert.Equal(t, deepParams, nw.ParameterConfig())

	ff := testNetwork(t, deepParams, ActivationConfig{Hidden: ActRelu, Output: ActSigmoid}, 1, FeedForward())
	assert.False(t, ff.Recurrent())
	assert.Nil(t, ff.RecurrenceWeight(0))
}

func TestNewNetworkInvalidConfig(t *testing.T) {
	acts := ActivationConfig{Hidden: ActRelu, Output: ActNone}
	weights := WeightConfig{MinWeight: -1, MaxWeight: 1}

	bad := []ParameterConfig{
		{Layers: 0, InputSize: 2, OutputSize: 2},
		{Layers: 1, InputSize: 0, OutputSize: 2, UnitsByLayer: []int{3}},
		{Layers: 1, InputSize: 2, OutputSize: 0, UnitsByLayer: []int{3}},
		{Layers: 2, InputSize: 2, OutputSize: 2, UnitsByLayer: []int{3}},
		{Layers: 2, InputSize: 2, OutputSize: 2, UnitsByLayer: []int{3, 0}},
	}
	for _, p := range bad {
		_, err := NewNetwork(p, weights, acts)
		assert.True(t, errors.Is(err, ErrInvalidConfig), "%+v", p)
	}

	good := ParameterConfig{Layers: 1, InputSize: 2, OutputSize: 2, UnitsByLayer: []int{3}}
	_, err := NewNetwork(good, WeightConfig{MinWeight: 1, MaxWeight: -1}, acts)
	assert.True(t, errors.Is(err, ErrInvalidConfig))
	_, err = NewNetwork(good, weights, ActivationConfig{Hidden: Activation(9)})
	assert.True(t, errors.Is(err, ErrUnknownActivation))
}

func TestUnitsAreCopied(t *testing.T) {
	units := []int{4}
	nw := testNetwork(t, ParameterConfig{Layers: 1, InputSize: 2, OutputSize: 2, UnitsByLayer: units},
		ActivationConfig{Hidden: ActRelu}, 1)
	units[0] = 99
	assert.Equal(t, []int{4}, nw.UnitsByLayer())
}

func TestForwardKnownValues(t *testing.T) {
	// 2 -> 2 -> 1 with hand-picked parameters
	nw := testNetwork(t, ParameterConfig{Layers: 1, InputSize: 2, OutputSize: 1, UnitsByLayer: []int{2}},
		ActivationConfig{Hidden: ActRelu, Output: ActNone}, 1)
	copy(nw.HiddenWeight(0).RawData(), []float64{1, -1, 2, 1})
	copy(nw.HiddenWeight(1).RawData(), []float64{3, 5})
	copy(nw.RecurrenceWeight(0).RawData(), []float64{1, 0, 0, 1})
	copy(nw.Bias(0).RawData(), []float64{0.5, 0})
	copy(nw.Bias(1).RawData(), []float64{-1})

	first, err := nw.Forward([]float64{1, 1}, nil)
	require.NoError(t, err)
	// raw0 = [1+2+0.5, -1+1+0] = [3.5, 0]
	assert.Equal(t, []float64{3.5, 0}, first.Raw[1])
	assert.Equal(t, []float64{3.5, 0}, first.Activations[1])
	// out = 3*3.5 + 5*0 - 1
	assert.Equal(t, []float64{9.5}, first.Output)
	assert.Equal(t, []float64{9.5}, first.Raw[2])
	assert.Equal(t, []float64{1, 1}, first.Activations[0])

	second, err := nw.Forward([]float64{0, 1}, first)
	require.NoError(t, err)
	// raw0 = [2+0.5, 1] + [3.5, 0] = [6, 1]
	assert.Equal(t, []float64{6, 1}, second.Raw[1])
	// out = 18 + 5 - 1
	assert.Equal(t, []float64{22}, second.Output)
}

func TestForwardInputSize(t *testing.T) {
	nw := testNetwork(t, deepParams, ActivationConfig{Hidden: ActRelu, Output: ActSigmoid}, 2)
	_, err := nw.Forward(make([]float64, 5), nil)
	assert.True(t, errors.Is(err, ErrInputSize))

	_, err = nw.Predict([][]float64{make([]float64, 6), make([]float64, 7)})
	assert.True(t, errors.Is(err, ErrInputSize))

	_, err = nw.Forward(make([]float64, 6), &StepState{})
	assert.True(t, errors.Is(err, ErrShapeMismatch))
}

func TestPredictDeterministic(t *testing.T) {
	nw := testNetwork(t, deepParams, ActivationConfig{Hidden: ActSigmoid, Output: ActSigmoid}, 3)
	v := []float64{0.1, 0.9, -0.3, 0.4, 0.5, 0}

	first, err := nw.Predict([][]float64{v})
	require.NoError(t, err)
	for i := 0; i < 3; i++ {
		again, err := nw.Predict([][]float64{v})
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestPredictCarriesState(t *testing.T) {
	nw := testNetwork(t, deepParams, ActivationConfig{Hidden: ActSigmoid, Output: ActNone}, 4)
	v := []float64{0.3, 0.3, 0.3, 0.3, 0.3, 0.3}

	outputs, err := nw.Predict([][]float64{v, v})
	require.NoError(t, err)
	require.Len(t, outputs, 2)
	assert.False(t, floats.Equal(outputs[0], outputs[1]), "second step must see the recurrent input")

	ff := testNetwork(t, deepParams, ActivationConfig{Hidden: ActSigmoid, Output: ActNone}, 4, FeedForward())
	outputs, err = ff.Predict([][]float64{v, v})
	require.NoError(t, err)
	assert.Equal(t, outputs[0], outputs[1])

	empty, err := nw.Predict(nil)
	require.NoError(t, err)
	assert.Empty(t, empty)
}

func TestFirstStepIgnoresRecurrence(t *testing.T) {
	acts := ActivationConfig{Hidden: ActRelu, Output: ActSigmoid}
	nw := testNetwork(t, deepParams, acts, 5)
	seq := randomSequence(rand.NewPCG(9, 9), 4, deepParams.InputSize)

	withRecurrence, err := nw.Predict(seq)
	require.NoError(t, err)

	for i := 0; i < nw.Layers(); i++ {
		nw.RecurrenceWeight(i).Reset()
	}
	zeroed, err := nw.Predict(seq)
	require.NoError(t, err)

	assert.Equal(t, zeroed[0], withRecurrence[0])
	// a zero recurrence weight also makes every later step independent
	for t2 := range seq {
		step, err := nw.Forward(seq[t2], nil)
		require.NoError(t, err)
		assert.True(t, floats.EqualApprox(step.Output, zeroed[t2], 1e-12))
	}
}

func TestPredictFirstLayerSplit(t *testing.T) {
	nw := testNetwork(t, deepParams, ActivationConfig{Hidden: ActSigmoid, Output: ActSigmoid}, 6)
	seq := randomSequence(rand.NewPCG(1, 1), 3, deepParams.InputSize)

	hidden, err := nw.PredictFirstLayer(seq)
	require.NoError(t, err)
	require.Len(t, hidden, 3)
	assert.Len(t, hidden[0], deepParams.UnitsByLayer[0])

	outputs, err := nw.PredictFromFirstLayer(hidden)
	require.NoError(t, err)
	for i, v := range seq {
		step, err := nw.Forward(v, nil)
		require.NoError(t, err)
		assert.True(t, floats.EqualApprox(step.Activations[1], hidden[i], 1e-12))
		assert.True(t, floats.EqualApprox(step.Output, outputs[i], 1e-12))
	}

	_, err = nw.PredictFirstLayer([][]float64{{1}})
	assert.True(t, errors.Is(err, ErrInputSize))
	_, err = nw.PredictFromFirstLayer([][]float64{make([]float64, 6)})
	assert.True(t, errors.Is(err, ErrInputSize))
}
