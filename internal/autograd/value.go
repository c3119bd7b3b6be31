// Package autograd implements scalar reverse-mode automatic differentiation.
//
// Every Value records the Values it was computed from and the local
// derivative with respect to each. Backward walks that graph in reverse
// topological order and accumulates gradients with the chain rule.
package autograd

import "math"

// Value is a scalar node in a computation graph.
type Value struct {
	Data float64 // forward value
	Grad float64 // d(root)/d(this), filled by Backward

	children   []*Value
	localGrads []float64 // d(this)/d(children[i])
}

// New creates a leaf Value.
func New(data float64) *Value {
	return &Value{Data: data}
}

// Constant creates a leaf Value that is not meant to be trained.
func Constant(data float64) *Value {
	return &Value{Data: data}
}

// Add returns v + other.
func (v *Value) Add(other *Value) *Value {
	return &Value{
		Data:       v.Data + other.Data,
		children:   []*Value{v, other},
		localGrads: []float64{1, 1},
	}
}

// Mul returns v * other.
func (v *Value) Mul(other *Value) *Value {
	return &Value{
		Data:       v.Data * other.Data,
		children:   []*Value{v, other},
		localGrads: []float64{other.Data, v.Data},
	}
}

// Scale returns v * k for a constant k.
func (v *Value) Scale(k float64) *Value {
	return &Value{
		Data:       v.Data * k,
		children:   []*Value{v},
		localGrads: []float64{k},
	}
}

// Neg returns -v.
func (v *Value) Neg() *Value {
	return v.Scale(-1)
}

// Sub returns v - other.
func (v *Value) Sub(other *Value) *Value {
	return &Value{
		Data:       v.Data - other.Data,
		children:   []*Value{v, other},
		localGrads: []float64{1, -1},
	}
}

// Exp returns e^v.
func (v *Value) Exp() *Value {
	e := math.Exp(v.Data)
	return &Value{
		Data:       e,
		children:   []*Value{v},
		localGrads: []float64{e},
	}
}

// Log returns ln(v).
func (v *Value) Log() *Value {
	return &Value{
		Data:       math.Log(v.Data),
		children:   []*Value{v},
		localGrads: []float64{1 / v.Data},
	}
}

// Pow returns v^k for a constant exponent k.
func (v *Value) Pow(k float64) *Value {
	return &Value{
		Data:       math.Pow(v.Data, k),
		children:   []*Value{v},
		localGrads: []float64{k * math.Pow(v.Data, k-1)},
	}
}

// Tanh returns tanh(v).
func (v *Value) Tanh() *Value {
	t := math.Tanh(v.Data)
	return &Value{
		Data:       t,
		children:   []*Value{v},
		localGrads: []float64{1 - t*t},
	}
}

// ReLU returns max(0, v).
func (v *Value) ReLU() *Value {
	if v.Data > 0 {
		return &Value{Data: v.Data, children: []*Value{v}, localGrads: []float64{1}}
	}
	return &Value{Data: 0, children: []*Value{v}, localGrads: []float64{0}}
}

// Backward sets v.Grad to 1 and propagates gradients to every node v depends on.
// Gradients accumulate; callers zero parameter gradients between steps.
func (v *Value) Backward() {
	topo := topoSort(v)

	v.Grad = 1
	for i := len(topo) - 1; i >= 0; i-- {
		node := topo[i]
		for j, child := range node.children {
			child.Grad += node.Grad * node.localGrads[j]
		}
	}
}

// topoSort returns the graph below root with every node after its children.
// Iterative DFS keeps deep graphs off the goroutine stack.
func topoSort(root *Value) []*Value {
	type frame struct {
		node *Value
		done bool
	}

	topo := make([]*Value, 0, 4096)
	visited := make(map[*Value]struct{}, 4096)
	stack := []frame{{node: root}}

	for len(stack) > 0 {
		f := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		if f.done {
			topo = append(topo, f.node)
			continue
		}
		if _, ok := visited[f.node]; ok {
			continue
		}
		visited[f.node] = struct{}{}

		stack = append(stack, frame{node: f.node, done: true})
		for _, child := range f.node.children {
			if _, ok := visited[child]; !ok {
				stack = append(stack, frame{node: child})
			}
		}
	}
	return topo
}
