package zero

import (
	"math"

	"github.com/chunkflow/chunkflow/chunks"
)

const (
	// AdamDefaultLearningRate is used by Adam if no learning rate is set.
	AdamDefaultLearningRate = 0.001
)

// Adam returns a configuration for the Adam update rule, the reference
// UpdateRule shipped with the driver. Once configured, call Done.
func Adam() *AdamConfig {
	return &AdamConfig{
		learningRate: AdamDefaultLearningRate,
		beta1:        0.9,
		beta2:        0.999,
		epsilon:      1e-8,
	}
}

// AdamConfig holds the configuration for an Adam update rule; create it with
// Adam(), and once configured call Done.
type AdamConfig struct {
	learningRate float64
	beta1, beta2 float64
	epsilon      float64
	weightDecay  float64
}

// LearningRate sets the base learning rate. Default is 0.001.
func (c *AdamConfig) LearningRate(value float64) *AdamConfig {
	c.learningRate = value
	return c
}

// Betas sets the two moving-average constants (exponential decays).
// They default to 0.9 and 0.999.
func (c *AdamConfig) Betas(beta1, beta2 float64) *AdamConfig {
	c.beta1, c.beta2 = beta1, beta2
	return c
}

// Epsilon used on the denominator as a small constant for stability.
func (c *AdamConfig) Epsilon(epsilon float64) *AdamConfig {
	c.epsilon = epsilon
	return c
}

// WeightDecay configures the rule to work as AdamW, with the given static
// weight decay.
func (c *AdamConfig) WeightDecay(weightDecay float64) *AdamConfig {
	c.weightDecay = weightDecay
	return c
}

// Done validates the configuration and returns the UpdateRule.
func (c *AdamConfig) Done() (UpdateRule, error) {
	if c.learningRate <= 0 {
		return nil, chunks.Configurationf("adam: learning rate must be positive, got %g", c.learningRate)
	}
	if c.beta1 < 0 || c.beta1 >= 1 || c.beta2 < 0 || c.beta2 >= 1 {
		return nil, chunks.Configurationf("adam: betas must be in [0,1), got %g and %g", c.beta1, c.beta2)
	}
	if c.epsilon <= 0 {
		return nil, chunks.Configurationf("adam: epsilon must be positive, got %g", c.epsilon)
	}
	return &adam{config: *c}, nil
}

// adam implements the Adam algorithm as an UpdateRule.
type adam struct {
	config AdamConfig
}

// Slots implements UpdateRule: first and second gradient moments.
func (a *adam) Slots() []string { return []string{"m", "v"} }

// Step implements UpdateRule. The gradient is unscaled on the fly: every read
// multiplies by gradScale, so no unscaled copy is ever written anywhere.
func (a *adam) Step(param, grad []float32, slots [][]float32, step int64, gradScale float32) {
	moment1, moment2 := slots[0], slots[1]
	beta1 := a.config.beta1
	beta2 := a.config.beta2
	debias1 := 1 / (1 - math.Pow(beta1, float64(step)))
	debias2 := 1 / (1 - math.Pow(beta2, float64(step)))
	lr := a.config.learningRate
	epsilon := a.config.epsilon
	decay := a.config.weightDecay

	for idx := range param {
		g := float64(grad[idx]) * float64(gradScale)
		m := beta1*float64(moment1[idx]) + (1-beta1)*g
		v := beta2*float64(moment2[idx]) + (1-beta2)*g*g
		moment1[idx] = float32(m)
		moment2[idx] = float32(v)
		update := lr * (m * debias1) / (math.Sqrt(v*debias2) + epsilon)
		p := float64(param[idx])
		if decay > 0 {
			p -= lr * decay * p
		}
		param[idx] = float32(p - update)
	}
}
