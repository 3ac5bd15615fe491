// Package insights turns top-ranked passages into short reading cards. A
// text generator phrases them when one is configured; templates cover the
// rest. Insights are additive and never fail the request that asked for them.
package insights

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"pagewise/internal/logging"
	"pagewise/internal/models"
	"pagewise/internal/providers"
	"pagewise/internal/util"
)

const (
	DefaultMax      = 4
	DefaultMaxChars = 480
	DefaultMinChars = 40

	connectionThreshold = 0.5
)

var contrastRE = regexp.MustCompile(`(?i)\b(however|but|although|though|whereas|nevertheless|nonetheless|conversely|in contrast|on the other hand|despite|yet)\b`)

// Source is a ranked section plus the full passage behind it.
type Source struct {
	Section models.RelatedSection
	Text    string
}

type Options struct {
	Max         int
	MaxChars    int
	MinChars    int
	Concurrency int
	Timeout     time.Duration
}

type Synthesizer struct {
	llm  providers.LLMProvider
	opts Options
	log  *zap.Logger
}

// New builds a synthesizer. llm may be nil, in which case every insight comes
// from a template.
func New(llm providers.LLMProvider, opts Options, log *zap.Logger) *Synthesizer {
	if opts.Max <= 0 {
		opts.Max = DefaultMax
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = DefaultMaxChars
	}
	if opts.MinChars < 0 {
		opts.MinChars = 0
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 2
	}
	return &Synthesizer{llm: llm, opts: opts, log: logging.OrNop(log)}
}

// Enabled reports whether a text generator is configured.
func (s *Synthesizer) Enabled() bool { return s.llm != nil }

// Synthesize returns one insight per source, in source order, for at most
// Max sources.
func (s *Synthesizer) Synthesize(ctx context.Context, sources []Source, profile models.IntentProfile) []models.Insight {
	if len(sources) > s.opts.Max {
		sources = sources[:s.opts.Max]
	}
	types := AssignTypes(sources)
	out := make([]models.Insight, len(sources))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.opts.Concurrency)
	for i := range sources {
		g.Go(func() error {
			out[i] = s.one(gctx, sources[i], types[i], profile)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (s *Synthesizer) one(ctx context.Context, src Source, typ models.InsightType, profile models.IntentProfile) models.Insight {
	ins := models.Insight{
		Type:           typ,
		Relevance:      relevance(src.Section),
		SourceChunkIDs: []string{src.Section.ChunkID},
	}
	if s.llm != nil {
		title, content, err := s.generate(ctx, src, typ, profile)
		if err == nil {
			ins.Title, ins.Content, ins.Generated = title, content, true
			return ins
		}
		s.log.Debug("insight generation fell back to template",
			zap.String("chunk_id", src.Section.ChunkID),
			zap.String("error_type", string(providers.ClassifyError(err))),
			zap.Error(err))
	}
	ins.Title, ins.Content = template(src, typ, profile)
	ins.Content = capRunes(ins.Content, s.opts.MaxChars)
	return ins
}

func (s *Synthesizer) generate(ctx context.Context, src Source, typ models.InsightType, profile models.IntentProfile) (string, string, error) {
	if s.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.Timeout)
		defer cancel()
	}
	resp, _, err := s.llm.Generate(ctx, providers.GenerateRequest{
		Operation: "insight",
		Prompt:    buildPrompt(src, typ, profile, s.opts.MaxChars),
		MaxTokens: s.opts.MaxChars/3 + 64,
	})
	if err != nil {
		return "", "", err
	}
	title, content := ParseReply(resp.Text)
	content = capRunes(content, s.opts.MaxChars)
	title = capRunes(title, 120)
	if title == "" {
		return "", "", fmt.Errorf("reply has no title")
	}
	if len([]rune(content)) < s.opts.MinChars {
		return "", "", fmt.Errorf("reply body has %d chars, need %d", len([]rune(content)), s.opts.MinChars)
	}
	return title, content, nil
}

// AssignTypes picks a card type per source: contrast wording makes a
// counterpoint, a strong cross-document match makes a connection, and the
// rest alternate between key takeaways and did-you-knows.
func AssignTypes(sources []Source) []models.InsightType {
	out := make([]models.InsightType, len(sources))
	alt := 0
	for i, src := range sources {
		switch {
		case contrastRE.MatchString(src.Text):
			out[i] = models.InsightCounterpoint
		case src.Section.CrossDocument && relevance(src.Section) >= connectionThreshold:
			out[i] = models.InsightConnection
		default:
			if alt%2 == 0 {
				out[i] = models.InsightKeyTakeaway
			} else {
				out[i] = models.InsightDidYouKnow
			}
			alt++
		}
	}
	return out
}

func buildPrompt(src Source, typ models.InsightType, profile models.IntentProfile, maxChars int) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Write one %q reading insight about the passage below.\n", typ)
	if profile.Persona != "" {
		fmt.Fprintf(&b, "Reader: %s. Task: %s.\n", profile.Persona, profile.Job)
	}
	fmt.Fprintf(&b, "Source: page %d of %s.\n", src.Section.Page, src.Section.DocumentName)
	fmt.Fprintf(&b, "Use only facts stated in the passage. Keep content under %d characters.\n", maxChars)
	b.WriteString(`Reply with JSON only: {"title": "...", "content": "..."}` + "\n\n")
	b.WriteString("Passage:\n")
	b.WriteString(util.DisplaySnippet(src.Text, 2000))
	return b.String()
}

var fenceRE = regexp.MustCompile("(?s)^```[a-zA-Z]*\\s*(.*?)\\s*```$")

// ParseReply accepts a JSON object with title and content, or a plain reply
// whose first line is the title.
func ParseReply(text string) (title, content string) {
	text = strings.TrimSpace(text)
	if m := fenceRE.FindStringSubmatch(text); m != nil {
		text = m[1]
	}
	if start, end := strings.Index(text, "{"), strings.LastIndex(text, "}"); start >= 0 && end > start {
		var parsed struct {
			Title   string `json:"title"`
			Content string `json:"content"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &parsed); err == nil && (parsed.Title != "" || parsed.Content != "") {
			return strings.TrimSpace(parsed.Title), strings.TrimSpace(parsed.Content)
		}
	}
	head, rest, _ := strings.Cut(text, "\n")
	head = strings.TrimSpace(strings.Trim(strings.TrimSpace(head), "#*\""))
	head = strings.TrimSpace(strings.TrimPrefix(head, "Title:"))
	return head, strings.TrimSpace(rest)
}

// template writes a card without a generator. With a profile, the lead is
// the passage's sentences that best match the reader's job.
func template(src Source, typ models.InsightType, profile models.IntentProfile) (string, string) {
	topic := strings.Join(util.TopicTerms(src.Text, 3), ", ")
	if topic == "" {
		topic = "this part of the document"
	}
	lead := util.DisplayTitle(src.Text, 200)
	if focus := strings.TrimSpace(profile.Job + " " + profile.Persona); focus != "" {
		lead = util.DisplayEvidenceSnippet(src.Text, focus, 240)
	}
	body := fmt.Sprintf("This section relates to %s. %s", topic, lead)
	switch typ {
	case models.InsightCounterpoint:
		return "A contrasting view", body
	case models.InsightConnection:
		return "Connected passage in " + src.Section.DocumentName, fmt.Sprintf("Page %d of %s covers similar ground. %s", src.Section.Page, src.Section.DocumentName, body)
	case models.InsightDidYouKnow:
		return "Did you know?", body
	default:
		return "Key takeaway", body
	}
}

func relevance(sec models.RelatedSection) float64 {
	if sec.EnhancedRelevance != nil {
		return *sec.EnhancedRelevance
	}
	return sec.Relevance
}

func capRunes(s string, n int) string {
	r := []rune(strings.TrimSpace(s))
	if n <= 0 || len(r) <= n {
		return string(r)
	}
	cut := r[:n]
	for i := n - 1; i > n/2; i-- {
		if cut[i] == ' ' || cut[i] == '\n' {
			return strings.TrimSpace(string(cut[:i])) + "…"
		}
	}
	return string(cut)
}
