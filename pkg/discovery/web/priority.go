package web

import (
	"container/heap"
	"math"
	"net/url"
	"path"
	"regexp"
	"strings"
)

// MaxPriority is assigned to the start URL so it is always dequeued first.
const MaxPriority = math.MaxInt32

const (
	basePriority    = 100
	rootBonus       = 100
	segmentPenalty  = 5
	apiBonus        = 50
	queryPenalty    = 10
	paramPenalty    = 2
	inboundBonus    = 3
	staticPenalty   = 30
	sitemapBonus    = 50
	maxSitemapDepth = 3
	maxRawRedirects = 5
)

var apiPathPattern = regexp.MustCompile(`(?i)(/api/|/v\d+/|/graphql|/rest/|\.json$)`)

// DisallowedExtensions lists static asset and document extensions that are
// deprioritised and recorded as static files rather than parsed.
var DisallowedExtensions = map[string]bool{
	".css": true, ".png": true, ".jpg": true, ".jpeg": true, ".gif": true,
	".svg": true, ".ico": true, ".webp": true, ".bmp": true,
	".woff": true, ".woff2": true, ".ttf": true, ".eot": true, ".otf": true,
	".mp4": true, ".mp3": true, ".avi": true, ".mov": true, ".webm": true,
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".ppt": true, ".pptx": true, ".zip": true, ".tar": true, ".gz": true,
	".rar": true, ".7z": true, ".exe": true, ".dmg": true, ".iso": true,
}

// Prioritize scores a URL; higher values are crawled sooner. It is a pure
// function of its inputs.
func Prioritize(rawURL string, inbound int) int {
	u, err := url.Parse(rawURL)
	if err != nil {
		return 0
	}

	score := basePriority
	p := u.EscapedPath()
	if p == "" || p == "/" {
		score += rootBonus
	}
	score -= segmentPenalty * segmentCount(p)
	if apiPathPattern.MatchString(p) {
		score += apiBonus
	}
	if u.RawQuery != "" {
		score -= queryPenalty + paramPenalty*len(u.Query())
	}
	score += inboundBonus * inbound
	if isStaticAsset(p) {
		score -= staticPenalty
	}
	return score
}

func segmentCount(p string) int {
	n := 0
	for _, seg := range strings.Split(p, "/") {
		if seg != "" {
			n++
		}
	}
	return n
}

func isStaticAsset(p string) bool {
	return DisallowedExtensions[strings.ToLower(path.Ext(p))]
}

type queueItem struct {
	url      string
	depth    int
	priority int
	bonus    int
	seq      uint64
	index    int
}

// urlQueue is a max-heap on priority. Equal priorities dequeue in
// insertion order.
type urlQueue []*queueItem

func (q urlQueue) Len() int { return len(q) }

func (q urlQueue) Less(i, j int) bool {
	if q[i].priority != q[j].priority {
		return q[i].priority > q[j].priority
	}
	return q[i].seq < q[j].seq
}

func (q urlQueue) Swap(i, j int) {
	q[i], q[j] = q[j], q[i]
	q[i].index = i
	q[j].index = j
}

func (q *urlQueue) Push(x interface{}) {
	item := x.(*queueItem)
	item.index = len(*q)
	*q = append(*q, item)
}

func (q *urlQueue) Pop() interface{} {
	old := *q
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	item.index = -1
	*q = old[:n-1]
	return item
}

func (q *urlQueue) push(item *queueItem) { heap.Push(q, item) }

func (q *urlQueue) pop() *queueItem { return heap.Pop(q).(*queueItem) }

// reprioritize updates a queued item in place.
func (q *urlQueue) reprioritize(item *queueItem, priority int) {
	if item.index < 0 || item.priority == priority {
		return
	}
	item.priority = priority
	heap.Fix(q, item.index)
}
