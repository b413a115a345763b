// Package pathexpand implements the Path Expansion Engine (spec.md
// §4.4): a damped, pruned, branch-budgeted multi-hop walk over the
// long-term graph starting from the Vector Index's initial TopK set,
// followed by memory aggregation and final convex-combination scoring.
//
// spec.md §4.4 is the authoritative algorithm — it deliberately redesigns
// original_source/src/memory_graph/utils/graph_expansion.py's simpler
// memory-level BFS into this richer node-level scorer; this package does
// not follow the Python file's algorithm. It keeps that file's "no I/O
// in the scoring loop" discipline: every exported entry point here is a
// pure function of its inputs, with edge/embedding lookups supplied by
// the caller via EdgeSource/EmbeddingSource.
package pathexpand

import (
	"math"
	"sort"

	"github.com/memoryfold/mnemos/pkg/config"
	"github.com/memoryfold/mnemos/pkg/model"
	"github.com/memoryfold/mnemos/pkg/vecmath"
)

// Seed is one entry of the Vector Index's initial TopK set.
type Seed struct {
	NodeID string
	Score  float64
}

// EdgeSource resolves a node's outgoing edges. Supplied by the caller
// (pkg/longterm) so this package stays free of any storage dependency.
type EdgeSource interface {
	OutgoingEdges(nodeID string) []model.Edge
}

// EmbeddingSource resolves a node's embedding, if any.
type EmbeddingSource interface {
	Embedding(nodeID string) ([]float32, bool)
}

// NodeTypeSource resolves a node's type, for the preferred_types bonus.
type NodeTypeSource interface {
	NodeType(nodeID string) (model.NodeType, bool)
}

// Path is one walk through the graph from a seed node.
type Path struct {
	Nodes  []string
	Edges  []string
	Score  float64
	Depth  int
	Parent int // always -1: Expand records no parent links; Nodes/Edges hold the full walk
	Merged bool
}

// Request bundles one expansion call's parameters.
type Request struct {
	Seeds          []Seed
	QueryEmbedding []float32
	PreferredTypes map[model.NodeType]bool
}

// Engine runs path expansion using a fixed configuration plus the
// caller-supplied graph/embedding accessors.
type Engine struct {
	cfg       config.Config
	edges     EdgeSource
	embed     EmbeddingSource
	nodeTypes NodeTypeSource
}

func New(cfg config.Config, edges EdgeSource, embed EmbeddingSource, nodeTypes NodeTypeSource) *Engine {
	return &Engine{cfg: cfg, edges: edges, embed: embed, nodeTypes: nodeTypes}
}

// Expand runs the damped multi-hop walk and returns every surviving path
// across all hops (seeds included) for memory aggregation, plus the
// monotone best_score_to_node map used by invariant 5's property test.
// A path that was itself extended further still contributes its prefix
// to aggregation — at max_hops=2 the duplication this allows is bounded
// and the final ranking step (rank-weighted mean) tolerates it.
func (e *Engine) Expand(req Request) (leaves []Path, bestScoreToNode map[string]float64) {
	bestScoreToNode = make(map[string]float64, len(req.Seeds))

	active := make([]Path, 0, len(req.Seeds))
	for _, s := range req.Seeds {
		p := Path{Nodes: []string{s.NodeID}, Score: s.Score, Depth: 0, Parent: -1}
		active = append(active, p)
		if s.Score > bestScoreToNode[s.NodeID] {
			bestScoreToNode[s.NodeID] = s.Score
		}
	}

	leaves = append(leaves, active...)
	prevCount := len(active)

	for d := 1; d <= e.cfg.MaxHops; d++ {
		next := e.propagateHop(active, d, req, bestScoreToNode)
		if len(next) == 0 {
			break
		}

		// Early stop: path set growth below 10% between hops.
		if prevCount > 0 && float64(len(next)-prevCount)/float64(prevCount) < 0.1 && d > 1 {
			leaves = append(leaves, next...)
			break
		}

		active = next
		leaves = append(leaves, active...)
		prevCount = len(active)
	}

	return dedupeLeaves(leaves), bestScoreToNode
}

func (e *Engine) propagateHop(active []Path, depth int, req Request, bestScoreToNode map[string]float64) []Path {
	var next []Path
	maxScoreThisHop := 0.0
	var candidates []struct{ path Path }

	for _, p := range active {
		terminal := p.Nodes[len(p.Nodes)-1]
		edges := e.edges.OutgoingEdges(terminal)

		sort.SliceStable(edges, func(i, j int) bool {
			wi := edges[i].Importance * typeWeight(e.cfg, edges[i].EdgeType)
			wj := edges[j].Importance * typeWeight(e.cfg, edges[j].EdgeType)
			return wi > wj
		})

		branchBudget := int(float64(e.cfg.MaxBranchesPerNode) * (0.5 + 0.5*p.Score))
		if branchBudget < 1 {
			branchBudget = 1
		}
		if branchBudget > len(edges) {
			branchBudget = len(edges)
		}

		for _, edge := range edges[:branchBudget] {
			u := edge.TargetID
			if containsNode(p.Nodes, u) {
				continue
			}

			wEdge := edge.Importance * typeWeight(e.cfg, edge.EdgeType)
			sNode := e.nodeSimilarity(u, req)
			delta := math.Pow(e.cfg.DampingFactor, float64(depth))
			newScore := p.Score*wEdge*delta + sNode*(1-delta)

			newPath := Path{
				Nodes:  appendCopy(p.Nodes, u),
				Edges:  appendCopy(p.Edges, edge.ID),
				Score:  newScore,
				Depth:  depth,
				Parent: -1,
			}

			if newScore > maxScoreThisHop {
				maxScoreThisHop = newScore
			}
			candidates = append(candidates, struct{ path Path }{path: newPath})
		}
	}

	// Merge convergent paths reaching the same terminal node within 0.1
	// of each other's score.
	merged := mergeConvergent(candidates, e.cfg)

	pruneThreshold := e.cfg.PruningThreshold * maxScoreThisHop
	for _, p := range merged {
		if p.Score < pruneThreshold {
			continue
		}
		terminal := p.Nodes[len(p.Nodes)-1]
		if p.Score > bestScoreToNode[terminal] {
			bestScoreToNode[terminal] = p.Score
		}
		next = append(next, p)
	}
	return next
}

func mergeConvergent(candidates []struct{ path Path }, cfg config.Config) []Path {
	byTerminal := make(map[string][]int)
	paths := make([]Path, len(candidates))
	for i, c := range candidates {
		paths[i] = c.path
		terminal := c.path.Nodes[len(c.path.Nodes)-1]
		byTerminal[terminal] = append(byTerminal[terminal], i)
	}

	keep := make([]bool, len(paths))
	for i := range paths {
		keep[i] = true
	}

	for _, idxs := range byTerminal {
		if len(idxs) < 2 {
			continue
		}
		// Merge pairwise: fold every subsequent convergent path into the
		// first, applying the configured merge rule.
		base := idxs[0]
		for _, other := range idxs[1:] {
			if abs(paths[base].Score-paths[other].Score) < 0.1 {
				switch cfg.MergeStrategy {
				case config.MergeMaxBonus:
					paths[base].Score = maxF(paths[base].Score, paths[other].Score) * 1.3
				default: // weighted_geometric
					paths[base].Score = math.Sqrt(paths[base].Score*paths[other].Score) * 1.2
				}
				paths[base].Merged = true
				keep[other] = false
			}
		}
	}

	out := make([]Path, 0, len(paths))
	for i, p := range paths {
		if keep[i] {
			out = append(out, p)
		}
	}
	return out
}

// nodeSimilarity computes s_node per spec.md §4.4: cosine(q, emb(u))
// clamped to [0,1], defaulting to 0.3 when u has no embedding, bonus-
// multiplied by 1.2 when the caller marked u's type as preferred.
func (e *Engine) nodeSimilarity(nodeID string, req Request) float64 {
	s := 0.3
	if emb, ok := e.embed.Embedding(nodeID); ok && len(req.QueryEmbedding) > 0 {
		s = vecmath.Clamp01(vecmath.Cosine(req.QueryEmbedding, emb))
	}
	if req.PreferredTypes != nil && req.PreferredTypes[e.nodeTypeOf(nodeID)] {
		s *= 1.2
	}
	return s
}

func (e *Engine) nodeTypeOf(nodeID string) model.NodeType {
	if e.nodeTypes == nil {
		return ""
	}
	t, _ := e.nodeTypes.NodeType(nodeID)
	return t
}

func typeWeight(cfg config.Config, t model.EdgeType) float64 {
	if w, ok := cfg.EdgeTypeWeights[string(t)]; ok {
		return w
	}
	return cfg.EdgeTypeWeights["default"]
}

func containsNode(nodes []string, id string) bool {
	for _, n := range nodes {
		if n == id {
			return true
		}
	}
	return false
}

func appendCopy(s []string, v string) []string {
	out := make([]string, len(s), len(s)+1)
	copy(out, s)
	return append(out, v)
}

func dedupeLeaves(paths []Path) []Path {
	seen := make(map[string]bool, len(paths))
	out := make([]Path, 0, len(paths))
	for _, p := range paths {
		key := pathKey(p)
		if seen[key] {
			continue
		}
		seen[key] = true
		out = append(out, p)
	}
	return out
}

func pathKey(p Path) string {
	key := ""
	for _, n := range p.Nodes {
		key += n + "|"
	}
	return key
}

func abs(x float64) float64 {
	if x < 0 {
		return -x
	}
	return x
}

func maxF(a, b float64) float64 {
	if a > b {
		return a
	}
	return b
}

// MemoryNodes resolves the node ids belonging to one long-term memory,
// for the aggregation step.
type MemoryNodes interface {
	NodeIDsFor(memoryID string) []string
}

// Aggregate implements spec.md §4.4's memory-aggregation step: every
// leaf path contributes to every memory whose node_ids intersects it,
// and each memory's contributing paths are combined into one path_score
// via a rank-weighted mean (weights 1, 1/2, 1/3, ...).
func Aggregate(paths []Path, memoryIDs []string, memNodes MemoryNodes) map[string]float64 {
	contributions := make(map[string][]float64, len(memoryIDs))
	for _, memID := range memoryIDs {
		nodeSet := make(map[string]bool)
		for _, n := range memNodes.NodeIDsFor(memID) {
			nodeSet[n] = true
		}
		for _, p := range paths {
			if pathIntersects(p, nodeSet) {
				contributions[memID] = append(contributions[memID], p.Score)
			}
		}
	}

	pathScores := make(map[string]float64, len(contributions))
	for memID, scores := range contributions {
		sort.Sort(sort.Reverse(sort.Float64Slice(scores)))
		var weightedSum, weightTotal float64
		for i, s := range scores {
			w := 1.0 / float64(i+1)
			weightedSum += s * w
			weightTotal += w
		}
		if weightTotal > 0 {
			pathScores[memID] = weightedSum / weightTotal
		}
	}
	return pathScores
}

func pathIntersects(p Path, nodeSet map[string]bool) bool {
	for _, n := range p.Nodes {
		if nodeSet[n] {
			return true
		}
	}
	return false
}

// Recency computes spec.md §4.4's recency term from the days elapsed
// since creation and last access.
func Recency(daysSinceCreated, daysSinceAccessed float64) float64 {
	return 0.4*math.Exp(-daysSinceCreated/30) + 0.6*math.Exp(-daysSinceAccessed/7)
}

// FinalScore is the convex combination w_path*path_score +
// w_importance*importance + w_recency*recency from spec.md §4.4.
// Identical inputs always produce identical output regardless of call
// order (invariant 7).
func FinalScore(weights config.FinalScoringWeights, pathScore, importance, recency float64) float64 {
	return weights.Path*pathScore + weights.Importance*importance + weights.Recency*recency
}
