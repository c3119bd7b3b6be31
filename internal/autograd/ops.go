package autograd

import "math"

// Dot returns sum(a[i] * b[i]) as a single node.
func Dot(a, b []*Value) *Value {
	if len(a) != len(b) {
		panic("autograd.Dot: mismatched lengths")
	}

	var sum float64
	children := make([]*Value, 2*len(a))
	localGrads := make([]float64, 2*len(a))
	for i := range a {
		sum += a[i].Data * b[i].Data
		children[2*i] = a[i]
		children[2*i+1] = b[i]
		localGrads[2*i] = b[i].Data
		localGrads[2*i+1] = a[i].Data
	}

	return &Value{Data: sum, children: children, localGrads: localGrads}
}

// Sum returns the sum of xs as a single node.
func Sum(xs []*Value) *Value {
	var sum float64
	localGrads := make([]float64, len(xs))
	for i, x := range xs {
		sum += x.Data
		localGrads[i] = 1
	}
	return &Value{Data: sum, children: append([]*Value(nil), xs...), localGrads: localGrads}
}

// Mean returns the arithmetic mean of xs.
func Mean(xs []*Value) *Value {
	return Sum(xs).Scale(1 / float64(len(xs)))
}

// AddVec returns a + b element-wise.
func AddVec(a, b []*Value) []*Value {
	out := make([]*Value, len(a))
	for i := range a {
		out[i] = a[i].Add(b[i])
	}
	return out
}

// Softmax returns softmax(logits). Each output is one node whose children are
// all logits, carrying one row of the softmax Jacobian.
func Softmax(logits []*Value) []*Value {
	probs := SoftmaxData(Data(logits), 1)

	out := make([]*Value, len(logits))
	for i := range logits {
		localGrads := make([]float64, len(logits))
		for j := range logits {
			if i == j {
				localGrads[j] = probs[i] * (1 - probs[j])
			} else {
				localGrads[j] = -probs[i] * probs[j]
			}
		}
		out[i] = &Value{Data: probs[i], children: logits, localGrads: localGrads}
	}
	return out
}

// CrossEntropy returns -log(softmax(logits)[target]) as a single node.
// The gradient w.r.t. logit j is softmax_j - [j == target].
func CrossEntropy(logits []*Value, target int) *Value {
	data := Data(logits)
	lse := LogSumExp(data)

	localGrads := make([]float64, len(logits))
	for j, x := range data {
		localGrads[j] = math.Exp(x - lse)
	}
	localGrads[target]--

	return &Value{
		Data:       lse - data[target],
		children:   logits,
		localGrads: localGrads,
	}
}

// Data extracts the forward values of xs.
func Data(xs []*Value) []float64 {
	out := make([]float64, len(xs))
	for i, x := range xs {
		out[i] = x.Data
	}
	return out
}

// LogSumExp computes log(sum(exp(xs))) without overflow.
func LogSumExp(xs []float64) float64 {
	maxVal := math.Inf(-1)
	for _, x := range xs {
		if x > maxVal {
			maxVal = x
		}
	}
	if math.IsInf(maxVal, -1) {
		return maxVal
	}
	var sum float64
	for _, x := range xs {
		sum += math.Exp(x - maxVal)
	}
	return maxVal + math.Log(sum)
}

// SoftmaxData computes softmax(xs / temperature) on plain floats.
// Entries equal to -Inf get probability 0.
func SoftmaxData(xs []float64, temperature float64) []float64 {
	scaled := make([]float64, len(xs))
	for i, x := range xs {
		scaled[i] = x / temperature
	}
	lse := LogSumExp(scaled)
	for i, x := range scaled {
		scaled[i] = math.Exp(x - lse)
	}
	return scaled
}
