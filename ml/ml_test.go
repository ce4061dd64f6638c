package ml

import (
	"math/rand/v2"
	"testing"
)

// --- Global Variables to prevent compiler optimizations ---
var resultVec []float64
var resultState *StepState
var resultGrads *Gradients

// --- 1. Benchmarks: Vector-Matrix Products ---

func benchmarkMul(b *testing.B, size int, method string) {
	w := RandomWeight(size, size, -1, 1, rand.NewPCG(1, 1))
	v := RandomBias(size, -1, 1, rand.NewPCG(2, 2)).RawData()

	b.ResetTimer()

	if method == "Row" {
		for n := 0; n < b.N; n++ {
			resultVec = w.mulRow(v)
		}
	} else {
		for n := 0; n < b.N; n++ {
			resultVec = w.mulCol(v)
		}
	}
}

func BenchmarkMul_Row_64(b *testing.B)   { benchmarkMul(b, 64, "Row") }
func BenchmarkMul_Col_64(b *testing.B)   { benchmarkMul(b, 64, "Col") }
func BenchmarkMul_Row_256(b *testing.B)  { benchmarkMul(b, 256, "Row") }
func BenchmarkMul_Col_256(b *testing.B)  { benchmarkMul(b, 256, "Col") }
func BenchmarkMul_Row_1024(b *testing.B) { benchmarkMul(b, 1024, "Row") }
func BenchmarkMul_Col_1024(b *testing.B) { benchmarkMul(b, 1024, "Col") }

// --- 2. Benchmarks: Activation Function Overhead ---

func benchmarkActivation(b *testing.B, act Activation) {
	// 1 Million elements
	src := RandomBias(1_000_000, -1, 1, rand.NewPCG(3, 3)).RawData()
	dst := make([]float64, len(src))
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		act.apply(dst, src)
	}
	resultVec = dst
}

func BenchmarkActivation_None(b *testing.B)    { benchmarkActivation(b, ActNone) }
func BenchmarkActivation_Relu(b *testing.B)    { benchmarkActivation(b, ActRelu) }
func BenchmarkActivation_Sigmoid(b *testing.B) { benchmarkActivation(b, ActSigmoid) }

// --- 3. Benchmarks: Recurrent Network Operations ---

// setupNetwork prepares a spectrogram-sized network and a short sequence
func setupNetwork(b *testing.B, steps int) (*Network, [][]float64, [][]float64) {
	params := ParameterConfig{
		Layers:       2,
		InputSize:    512,
		OutputSize:   88,
		UnitsByLayer: []int{128, 64},
	}
	nw, err := NewNetwork(params, WeightConfig{
		MinWeight: 0.05,
		MaxWeight: 0.2,
		MinBias:   -0.4,
		MaxBias:   0.4,
		Src:       rand.NewPCG(4, 4),
	}, ActivationConfig{Hidden: ActRelu, Output: ActSigmoid})
	if err != nil {
		b.Fatal(err)
	}

	seq := randomSequence(rand.NewPCG(5, 5), steps, params.InputSize)
	targets := make([][]float64, steps)
	r := rand.New(rand.NewPCG(6, 6))
	for t := range targets {
		targets[t] = make([]float64, params.OutputSize)
		for j := range targets[t] {
			if r.IntN(10) == 0 {
				targets[t][j] = 1
			}
		}
	}
	return nw, seq, targets
}

// Benchmark: Forward Pass Only (Inference Speed)
func benchmarkForward(b *testing.B, steps int) {
	nw, seq, _ := setupNetwork(b, steps)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		var prev *StepState
		for _, v := range seq {
			prev, _ = nw.Forward(v, prev)
		}
		resultState = prev
	}
}

func BenchmarkForward_Steps_1(b *testing.B)  { benchmarkForward(b, 1) }
func BenchmarkForward_Steps_32(b *testing.B) { benchmarkForward(b, 32) }

// Benchmark: Gradient Derivation Only
func benchmarkBackprop(b *testing.B, steps int) {
	nw, seq, targets := setupNetwork(b, steps)

	states := make([]*StepState, len(seq))
	var prev *StepState
	for t, v := range seq {
		states[t], _ = nw.Forward(v, prev)
		prev = states[t]
	}

	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		for t := range states {
			var p *StepState
			if t > 0 {
				p = states[t-1]
			}
			resultGrads, _ = nw.Gradients(states[t], p, targets[t])
		}
	}
}

func BenchmarkBackprop_Steps_1(b *testing.B)  { benchmarkBackprop(b, 1) }
func BenchmarkBackprop_Steps_32(b *testing.B) { benchmarkBackprop(b, 32) }

// Benchmark: Full Training Pass
func benchmarkTrain(b *testing.B, steps, batchSize int) {
	nw, seq, targets := setupNetwork(b, steps)
	b.ResetTimer()
	for n := 0; n < b.N; n++ {
		if err := nw.Train(seq, targets, batchSize); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkTrain_Steps_32_Batch_1(b *testing.B) { benchmarkTrain(b, 32, 1) }
func BenchmarkTrain_Steps_32_Batch_8(b *testing.B) { benchmarkTrain(b, 32, 8) }
