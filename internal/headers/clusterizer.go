package headers

import (
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"tabfuse/internal/model"
)

// Clusterizer builds header clusters by combining synonym metadata with
// fuzzy similarity over a union-find graph.
type Clusterizer struct {
	SimilarityThreshold float64
	ReviewThreshold     float64
	SampleClip          int
	synonymMap          map[string]string
}

// DefaultSynonymSets seed the alias map when the caller has no dictionary.
var DefaultSynonymSets = [][]string{
	{"month", "months", "mon", "mth", "місяць", "міс"},
	{"city", "city_name", "town", "місто"},
	{"age", "years", "yrs"},
}

// NewClusterizer builds a clusterizer with the tuned default thresholds.
// Passing nil synonymSets uses DefaultSynonymSets.
func NewClusterizer(synonymSets [][]string) *Clusterizer {
	if synonymSets == nil {
		synonymSets = DefaultSynonymSets
	}
	c := &Clusterizer{
		SimilarityThreshold: 0.78,
		ReviewThreshold:     0.7,
		SampleClip:          32,
		synonymMap:          make(map[string]string),
	}
	for _, group := range synonymSets {
		canonical := ""
		for _, token := range group {
			slug := CanonicalSlug(token)
			if slug == "" {
				continue
			}
			if canonical == "" {
				canonical = slug
			}
			c.synonymMap[slug] = canonical
		}
	}
	return c
}

type headerNode struct {
	key         string
	displayName string
	slug        string
	alias       string
	translit    string
	skeleton    string
	typeProfile map[string]int
	variants    []model.HeaderVariant
	totalRows   int
}

func (n *headerNode) dominantType() string {
	best, bestCount := "", 0
	keys := make([]string, 0, len(n.typeProfile))
	for k := range n.typeProfile {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, bucket := range keys {
		if count := n.typeProfile[bucket]; count > bestCount {
			best, bestCount = bucket, count
		}
	}
	return best
}

// Build produces deterministic clusters from the analysis results. Metadata
// is rebuilt from the results when the caller passes nil.
func (c *Clusterizer) Build(results []*model.FileAnalysisResult, meta *Metadata) []model.HeaderCluster {
	if len(results) == 0 {
		return nil
	}
	if meta == nil {
		built := BuildMetadata(results)
		meta = &built
	}
	variants := c.accumulateVariants(results)
	if len(variants) == 0 {
		return nil
	}
	nodes := c.buildNodes(variants, meta)
	if len(nodes) == 0 {
		return nil
	}
	groups := c.linkNodes(nodes)
	clusters := make([]model.HeaderCluster, 0, len(groups))
	for _, group := range groups {
		clusters = append(clusters, c.synthesize(group))
	}
	sort.Slice(clusters, func(i, j int) bool {
		return strings.ToLower(clusters[i].CanonicalName) < strings.ToLower(clusters[j].CanonicalName)
	})
	return clusters
}

type variantAccumulator struct {
	filePath    string
	columnIndex int
	rawName     string
	samples     map[string]struct{}
	types       map[string]int
	rowCount    int
}

func (c *Clusterizer) accumulateVariants(results []*model.FileAnalysisResult) []model.HeaderVariant {
	type accKey struct {
		file string
		col  int
	}
	accumulators := make(map[accKey]*variantAccumulator)
	var order []accKey

	for _, result := range results {
		if result == nil || result.Err != nil {
			continue
		}
		headers := prepareHeaders(result.RawHeaders, maxColumns(result))
		for _, block := range result.Blocks {
			columnCount := len(headers)
			if block.Signature != nil && block.Signature.ColumnCount > 0 {
				columnCount = block.Signature.ColumnCount
			}
			rows := block.RowCount()
			for idx := 0; idx < max(columnCount, len(headers)); idx++ {
				rawName := "column_" + strconv.Itoa(idx+1)
				if idx < len(headers) {
					rawName = headers[idx]
				}
				key := accKey{file: block.FilePath, col: idx}
				acc, ok := accumulators[key]
				if !ok {
					acc = &variantAccumulator{
						filePath:    block.FilePath,
						columnIndex: idx,
						rawName:     rawName,
						samples:     make(map[string]struct{}),
						types:       make(map[string]int),
					}
					accumulators[key] = acc
					order = append(order, key)
				} else if strings.TrimSpace(acc.rawName) == "" && strings.TrimSpace(rawName) != "" {
					acc.rawName = rawName
				}
				if block.Signature != nil {
					if stats, ok := block.Signature.Columns[idx]; ok {
						for value := range stats.SampleValues {
							acc.samples[value] = struct{}{}
						}
						for bucket, count := range stats.TypeCounts {
							acc.types[bucket] += count
						}
					}
				}
				if rows > 0 {
					acc.rowCount += rows
				}
			}
		}
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].file != order[j].file {
			return order[i].file < order[j].file
		}
		return order[i].col < order[j].col
	})

	variants := make([]model.HeaderVariant, 0, len(order))
	for _, key := range order {
		acc := accumulators[key]
		raw := strings.TrimSpace(acc.rawName)
		if raw == "" {
			raw = "column_" + strconv.Itoa(acc.columnIndex+1)
		}
		normalized := CanonicalSlug(acc.rawName)
		if normalized == "" {
			normalized = raw
		}
		samples := make([]string, 0, len(acc.samples))
		for value := range acc.samples {
			samples = append(samples, value)
		}
		sort.Strings(samples)
		if len(samples) > c.SampleClip {
			samples = samples[:c.SampleClip]
		}
		variants = append(variants, model.HeaderVariant{
			FilePath:      acc.filePath,
			ColumnIndex:   acc.columnIndex,
			RawName:       raw,
			Normalized:    normalized,
			DetectedTypes: model.EnsureTypeBuckets(acc.types),
			SampleValues:  samples,
			RowCount:      acc.rowCount,
		})
	}
	return variants
}

func metadataKey(raw string, columnIndex int) string {
	text := strings.TrimSpace(raw)
	if text != "" {
		return text
	}
	return "column_" + strconv.Itoa(columnIndex+1)
}

func (c *Clusterizer) buildNodes(variants []model.HeaderVariant, meta *Metadata) []*headerNode {
	profileLookup := make(map[string]map[string]int, len(meta.Profiles))
	for _, item := range meta.Profiles {
		profileLookup[strings.TrimSpace(item.RawHeader)] = model.EnsureTypeBuckets(item.TypeProfile)
	}
	nodes := make(map[string]*headerNode)
	var order []string
	for _, variant := range variants {
		key := metadataKey(variant.RawName, variant.ColumnIndex)
		node, ok := nodes[key]
		if !ok {
			slug := CanonicalSlug(variant.RawName)
			alias := slug
			if mapped, found := c.synonymMap[slug]; found {
				alias = mapped
			}
			profile, found := profileLookup[key]
			if !found {
				profile = model.EnsureTypeBuckets(variant.DetectedTypes)
			}
			node = &headerNode{
				key:         key,
				displayName: variant.RawName,
				slug:        slug,
				alias:       alias,
				translit:    strings.ReplaceAll(slug, " ", ""),
				skeleton:    Skeleton(slug),
				typeProfile: profile,
			}
			nodes[key] = node
			order = append(order, key)
		}
		node.variants = append(node.variants, variant)
		if variant.RowCount > 0 {
			node.totalRows += variant.RowCount
		}
	}
	out := make([]*headerNode, 0, len(order))
	for _, key := range order {
		out = append(out, nodes[key])
	}
	return out
}

// linkNodes unions nodes via alias equality and the pairwise similarity
// predicate, then groups them by representative. Node order is preserved so
// repeated runs over identical inputs produce identical artifacts.
func (c *Clusterizer) linkNodes(nodes []*headerNode) [][]*headerNode {
	parent := make([]int, len(nodes))
	for i := range parent {
		parent[i] = i
	}
	var find func(int) int
	find = func(i int) int {
		for parent[i] != i {
			parent[i] = parent[parent[i]]
			i = parent[i]
		}
		return i
	}
	union := func(a, b int) {
		rootA, rootB := find(a), find(b)
		if rootA != rootB {
			parent[rootB] = rootA
		}
	}

	aliasBuckets := make(map[string][]int)
	var aliasOrder []string
	for idx, node := range nodes {
		if node.alias == "" {
			continue
		}
		if _, ok := aliasBuckets[node.alias]; !ok {
			aliasOrder = append(aliasOrder, node.alias)
		}
		aliasBuckets[node.alias] = append(aliasBuckets[node.alias], idx)
	}
	for _, alias := range aliasOrder {
		bucket := aliasBuckets[alias]
		for _, other := range bucket[1:] {
			union(bucket[0], other)
		}
	}

	for i := 0; i < len(nodes); i++ {
		for j := i + 1; j < len(nodes); j++ {
			if c.shouldLink(nodes[i], nodes[j]) {
				union(i, j)
			}
		}
	}

	grouped := make(map[int][]*headerNode)
	var groupOrder []int
	for idx, node := range nodes {
		root := find(idx)
		if _, ok := grouped[root]; !ok {
			groupOrder = append(groupOrder, root)
		}
		grouped[root] = append(grouped[root], node)
	}
	out := make([][]*headerNode, 0, len(groupOrder))
	for _, root := range groupOrder {
		out = append(out, grouped[root])
	}
	return out
}

func (c *Clusterizer) shouldLink(left, right *headerNode) bool {
	if left.alias != "" && left.alias == right.alias {
		return true
	}
	if left.slug == "" || right.slug == "" {
		return false
	}
	leftDominant, rightDominant := left.dominantType(), right.dominantType()
	if leftDominant != "" && rightDominant != "" && leftDominant != rightDominant {
		return false
	}
	if SimilarityRatio(left.slug, right.slug) >= c.SimilarityThreshold {
		return true
	}
	if left.translit != "" && left.translit == right.translit {
		return true
	}
	if left.skeleton != "" && left.skeleton == right.skeleton && len(left.skeleton) >= 3 {
		return true
	}
	shortHand := len(left.slug) <= 4 || len(right.slug) <= 4
	prefixMatch := strings.HasPrefix(left.slug, right.slug) || strings.HasPrefix(right.slug, left.slug)
	return shortHand && prefixMatch
}

func (c *Clusterizer) synthesize(nodes []*headerNode) model.HeaderCluster {
	typeCounter := make(map[string]int)
	var variants []model.HeaderVariant
	for _, node := range nodes {
		for bucket, count := range node.typeProfile {
			typeCounter[bucket] += count
		}
		variants = append(variants, node.variants...)
	}
	sort.Slice(variants, func(i, j int) bool {
		if variants[i].FilePath != variants[j].FilePath {
			return variants[i].FilePath < variants[j].FilePath
		}
		return variants[i].ColumnIndex < variants[j].ColumnIndex
	})
	confidence := c.confidence(typeCounter, variants)
	canonical := selectCanonicalName(nodes)
	return model.HeaderCluster{
		ClusterID:     clusterID(canonical, variants),
		CanonicalName: canonical,
		Variants:      variants,
		Confidence:    confidence,
		NeedsReview:   confidence < c.ReviewThreshold || len(nodes) == 1,
	}
}

var clusterNamespace = uuid.MustParse("8d4f2c1a-52be-4f4e-9a26-7e30c7d1b9aa")

// clusterID derives a stable UUID from the cluster contents so identical
// inputs always serialize to identical artifacts.
func clusterID(canonical string, variants []model.HeaderVariant) uuid.UUID {
	var sb strings.Builder
	sb.WriteString(canonical)
	for _, variant := range variants {
		sb.WriteByte('\x00')
		sb.WriteString(variant.FilePath)
		sb.WriteByte(':')
		sb.WriteString(strconv.Itoa(variant.ColumnIndex))
	}
	return uuid.NewSHA1(clusterNamespace, []byte(sb.String()))
}

// selectCanonicalName favors the node covering the most rows, with a 25%
// penalty for synthetic column_N display names.
func selectCanonicalName(nodes []*headerNode) string {
	best := nodes[0]
	bestScore := math.Inf(-1)
	for _, node := range nodes {
		penalty := 0.0
		if strings.HasPrefix(strings.ToLower(node.displayName), "column_") {
			penalty = 0.25
		}
		score := float64(node.totalRows) * (1.0 - penalty)
		if score > bestScore {
			best, bestScore = node, score
		}
	}
	return best.displayName
}

func (c *Clusterizer) confidence(typeCounter map[string]int, variants []model.HeaderVariant) float64 {
	totalTypes := 0
	maxCount := 0
	for _, count := range typeCounter {
		totalTypes += count
		if count > maxCount {
			maxCount = count
		}
	}
	purity := 1.0
	if totalTypes > 0 {
		purity = float64(maxCount) / float64(totalTypes)
	}
	type sourceKey struct {
		file string
		col  int
	}
	uniqueSources := make(map[sourceKey]struct{})
	for _, variant := range variants {
		uniqueSources[sourceKey{variant.FilePath, variant.ColumnIndex}] = struct{}{}
	}
	coverage := math.Min(1.0, float64(len(uniqueSources))/4.0)
	confidence := 0.35 + 0.4*purity + 0.25*coverage
	confidence = math.Max(0.35, math.Min(confidence, 1.0))
	return math.Round(confidence*100) / 100
}
