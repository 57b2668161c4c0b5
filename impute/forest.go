// Ageingpanel: Ageing Panel Stroke and Psychosis Pipeline
// Copyright (c) 2022 imec vzw.

// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version, and Additional Terms
// (see below).

// This program is distributed in the hope that it will be useful, but
// WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the GNU
// Affero General Public License for more details.

// You should have received a copy of the GNU Affero General Public
// License and Additional Terms along with this program. If not, see
// <https://github.com/ExaScience/ptra/blob/master/LICENSE.txt>.

package impute

import (
	"sort"

	"github.com/exascience/pargo/parallel"
	"github.com/valyala/fastrand"
)

// frame is the column-major numeric view of the data a forest is fitted on. Categorical variables hold level indices.
type frame struct {
	cols        [][]float64
	categorical []bool
	nlevels     []int
}

// node is a tree node. Rows with x <= threshold (numeric feature) or x == level (categorical feature) go left.
type node struct {
	leaf        bool
	value       float64
	feature     int
	categorical bool
	threshold   float64
	level       int
	left, right *node
}

type tree struct {
	root  *node
	inBag []bool //per training row, whether it was drawn in the bootstrap sample
}

type treeParams struct {
	mtry    int
	minLeaf int
}

// treeBuilder grows one CART tree for a target variable from a subset of rows.
type treeBuilder struct {
	f        *frame
	target   int
	features []int
	y        []float64
	classify bool
	nclass   int
	params   treeParams
	rng      *fastrand.RNG
}

// stats accumulates the target values of a set of rows.
type stats struct {
	n      float64
	sum    float64
	sumsq  float64
	counts []float64
}

func (b *treeBuilder) newStats() stats {
	s := stats{}
	if b.classify {
		s.counts = make([]float64, b.nclass)
	}
	return s
}

func (s *stats) add(y float64, classify bool) {
	s.n++
	if classify {
		s.counts[int(y)]++
		return
	}
	s.sum += y
	s.sumsq += y * y
}

func (s *stats) sub(o stats) stats {
	r := stats{n: s.n - o.n, sum: s.sum - o.sum, sumsq: s.sumsq - o.sumsq}
	if s.counts != nil {
		r.counts = make([]float64, len(s.counts))
		for i := range s.counts {
			r.counts[i] = s.counts[i] - o.counts[i]
		}
	}
	return r
}

// impurity returns the impurity of a set of rows times its size: the squared error for regression, the Gini impurity
// for classification.
func (s *stats) impurity(classify bool) float64 {
	if s.n == 0 {
		return 0
	}
	if classify {
		sq := 0.0
		for _, c := range s.counts {
			sq += c * c
		}
		return s.n - sq/s.n
	}
	return s.sumsq - s.sum*s.sum/s.n
}

// leafValue is the mean for regression and the most frequent class, lowest index on ties, for classification.
func (s *stats) leafValue(classify bool) float64 {
	if !classify {
		if s.n == 0 {
			return 0
		}
		return s.sum / s.n
	}
	best := 0
	for i, c := range s.counts {
		if c > s.counts[best] {
			best = i
		}
	}
	return float64(best)
}

type split struct {
	gain        float64
	feature     int
	categorical bool
	threshold   float64
	level       int
}

func (b *treeBuilder) rowStats(rows []int) stats {
	s := b.newStats()
	for _, r := range rows {
		s.add(b.y[r], b.classify)
	}
	return s
}

// sampleFeatures draws mtry distinct candidate features.
func (b *treeBuilder) sampleFeatures() []int {
	candidates := append([]int(nil), b.features...)
	m := b.params.mtry
	if m > len(candidates) {
		m = len(candidates)
	}
	for i := 0; i < m; i++ {
		j := i + int(b.rng.Uint32n(uint32(len(candidates)-i)))
		candidates[i], candidates[j] = candidates[j], candidates[i]
	}
	return candidates[:m]
}

func (b *treeBuilder) build(rows []int) *node {
	total := b.rowStats(rows)
	leaf := &node{leaf: true, value: total.leafValue(b.classify)}
	parent := total.impurity(b.classify)
	if len(rows) < 2*b.params.minLeaf || parent <= 1e-12 {
		return leaf
	}
	best := split{}
	for _, feature := range b.sampleFeatures() {
		var s split
		if b.f.categorical[feature] {
			s = b.categoricalSplit(feature, rows, total, parent)
		} else {
			s = b.numericSplit(feature, rows, total, parent)
		}
		if s.gain > best.gain {
			best = s
		}
	}
	if best.gain <= 1e-12 {
		return leaf
	}
	x := b.f.cols[best.feature]
	left, right := []int{}, []int{}
	for _, r := range rows {
		if goesLeft(best.categorical, x[r], best.threshold, best.level) {
			left = append(left, r)
		} else {
			right = append(right, r)
		}
	}
	return &node{
		feature:     best.feature,
		categorical: best.categorical,
		threshold:   best.threshold,
		level:       best.level,
		left:        b.build(left),
		right:       b.build(right),
	}
}

func goesLeft(categorical bool, x, threshold float64, level int) bool {
	if categorical {
		return int(x) == level
	}
	return x <= threshold
}

func (b *treeBuilder) numericSplit(feature int, rows []int, total stats, parent float64) split {
	x := b.f.cols[feature]
	sorted := append([]int(nil), rows...)
	sort.SliceStable(sorted, func(i, j int) bool { return x[sorted[i]] < x[sorted[j]] })
	best := split{feature: feature}
	left := b.newStats()
	for i := 0; i < len(sorted)-1; i++ {
		left.add(b.y[sorted[i]], b.classify)
		if x[sorted[i]] == x[sorted[i+1]] || i+1 < b.params.minLeaf || len(sorted)-i-1 < b.params.minLeaf {
			continue
		}
		right := total.sub(left)
		gain := parent - left.impurity(b.classify) - right.impurity(b.classify)
		if gain > best.gain {
			best.gain = gain
			best.threshold = (x[sorted[i]] + x[sorted[i+1]]) / 2
		}
	}
	return best
}

// categoricalSplit tries every one-level-against-the-rest partition of a categorical feature.
func (b *treeBuilder) categoricalSplit(feature int, rows []int, total stats, parent float64) split {
	x := b.f.cols[feature]
	levels := make([]stats, b.f.nlevels[feature])
	for i := range levels {
		levels[i] = b.newStats()
	}
	for _, r := range rows {
		levels[int(x[r])].add(b.y[r], b.classify)
	}
	best := split{feature: feature, categorical: true}
	for level, left := range levels {
		if left.n < float64(b.params.minLeaf) || total.n-left.n < float64(b.params.minLeaf) {
			continue
		}
		right := total.sub(left)
		gain := parent - left.impurity(b.classify) - right.impurity(b.classify)
		if gain > best.gain {
			best.gain = gain
			best.level = level
		}
	}
	return best
}

func (n *node) predict(f *frame, row int) float64 {
	for !n.leaf {
		if goesLeft(n.categorical, f.cols[n.feature][row], n.threshold, n.level) {
			n = n.left
		} else {
			n = n.right
		}
	}
	return n.value
}

// forest is a random forest for one target variable.
type forest struct {
	trees    []*tree
	classify bool
	nclass   int
}

// treeSeed derives the RNG seed of a tree. Seeds are never 0, which would make the generator pick a random seed.
func treeSeed(seed uint32, i int) uint32 {
	s := seed*2654435761 + uint32(i+1)*40503
	s ^= s >> 16
	if s == 0 {
		s = 1
	}
	return s
}

// fitForest grows ntrees trees on bootstrap samples of the training rows, in parallel. Each tree has its own random
// stream derived from the seed, so the forest does not depend on scheduling.
func fitForest(f *frame, target int, features []int, rows []int, ntrees int, params treeParams, seed uint32) *forest {
	fo := &forest{trees: make([]*tree, ntrees), classify: f.categorical[target], nclass: f.nlevels[target]}
	y := f.cols[target]
	parallel.Range(0, ntrees, 0, func(low, high int) {
		for i := low; i < high; i++ {
			rng := &fastrand.RNG{}
			rng.Seed(treeSeed(seed, i))
			inBag := make([]bool, len(rows))
			sample := make([]int, len(rows))
			for j := range sample {
				k := int(rng.Uint32n(uint32(len(rows))))
				inBag[k] = true
				sample[j] = rows[k]
			}
			b := &treeBuilder{f: f, target: target, features: features, y: y, classify: fo.classify,
				nclass: fo.nclass, params: params, rng: rng}
			fo.trees[i] = &tree{root: b.build(sample), inBag: inBag}
		}
	})
	return fo
}

// aggregate combines tree predictions: the mean for regression, the majority vote for classification.
func (fo *forest) aggregate(predictions []float64) float64 {
	if len(predictions) == 0 {
		return 0
	}
	if !fo.classify {
		sum := 0.0
		for _, p := range predictions {
			sum += p
		}
		return sum / float64(len(predictions))
	}
	votes := make([]int, fo.nclass)
	for _, p := range predictions {
		votes[int(p)]++
	}
	best := 0
	for i, v := range votes {
		if v > votes[best] {
			best = i
		}
	}
	return float64(best)
}

// predict returns the forest prediction for a row of the frame.
func (fo *forest) predict(f *frame, row int) float64 {
	predictions := make([]float64, len(fo.trees))
	for i, t := range fo.trees {
		predictions[i] = t.root.predict(f, row)
	}
	return fo.aggregate(predictions)
}

// oob returns the out-of-bag predictions of the training rows, using only the trees that did not see a row. Rows
// that every tree saw get ok false.
func (fo *forest) oob(f *frame, rows []int) (predictions []float64, ok []bool) {
	predictions = make([]float64, len(rows))
	ok = make([]bool, len(rows))
	for j, r := range rows {
		votes := []float64{}
		for _, t := range fo.trees {
			if !t.inBag[j] {
				votes = append(votes, t.root.predict(f, r))
			}
		}
		if len(votes) > 0 {
			predictions[j] = fo.aggregate(votes)
			ok[j] = true
		}
	}
	return predictions, ok
}
