package services

import (
	"context"
	"fmt"
	"strings"

	"faqforge/internal/models"

	"github.com/sirupsen/logrus"
)

// RoleAssignment is the analyzer's verdict for one message.
type RoleAssignment struct {
	Role       string  `json:"role"`
	Confidence float64 `json:"confidence"`
	Reasoning  string  `json:"reasoning"`
}

// QAPair links a question message to the answer chosen for it. Indexes
// refer to the analyzed message slice.
type QAPair struct {
	QuestionIdx int     `json:"question_idx"`
	AnswerIdx   int     `json:"answer_idx"`
	Confidence  float64 `json:"confidence"`
	Topic       string  `json:"topic"`
}

// AnalysisResult holds per-message role assignments (keyed by message
// id) and the question/answer pairs found in the batch.
type AnalysisResult struct {
	Roles   map[uint]RoleAssignment `json:"roles"`
	QAPairs []QAPair                `json:"qa_pairs"`
}

// ConversationAnalyzer classifies message roles heuristics-first, with
// an optional semantic classifier for the inconclusive cases. Given
// identical input and classifier responses the output is deterministic;
// the classifier is the only source of non-determinism.
type ConversationAnalyzer struct {
	classifier          RoleClassifier
	generator           TextGenerator
	minAnswerConfidence float64
	logger              *logrus.Logger
}

// heuristicThreshold separates confident heuristic verdicts from the
// ones handed to the semantic classifier.
const heuristicThreshold = 0.6

// fallbackPenalty scales heuristic confidence when the classifier was
// wanted but unavailable.
const fallbackPenalty = 0.8

func NewConversationAnalyzer(classifier RoleClassifier, generator TextGenerator, minAnswerConfidence float64, logger *logrus.Logger) *ConversationAnalyzer {
	if logger == nil {
		logger = logrus.New()
	}
	if minAnswerConfidence <= 0 {
		minAnswerConfidence = 0.5
	}
	return &ConversationAnalyzer{
		classifier:          classifier,
		generator:           generator,
		minAnswerConfidence: minAnswerConfidence,
		logger:              logger,
	}
}

// Analyze classifies each message and pairs questions with answers.
// Messages must arrive in channel/timestamp order.
func (a *ConversationAnalyzer) Analyze(ctx context.Context, messages []models.Message) (*AnalysisResult, error) {
	result := &AnalysisResult{
		Roles: make(map[uint]RoleAssignment, len(messages)),
	}

	// Classifier responses are cached per text so repeated content does
	// not trigger repeated upstream calls.
	semCache := make(map[string]RoleAssignment)

	assignments := make([]RoleAssignment, len(messages))
	sawQuestion := false
	for i, msg := range messages {
		ra := classifyHeuristic(msg.Text, sawQuestion)
		if ra.Confidence < heuristicThreshold && a.classifier != nil {
			ra = a.classifySemantic(ctx, msg.Text, ra, semCache)
		}
		if ra.Role == models.RoleQuestion {
			sawQuestion = true
		}
		assignments[i] = ra
		result.Roles[msg.ID] = ra
	}

	// Pair each question with the nearest qualifying answer in the same
	// channel: highest confidence wins, earliest timestamp breaks ties.
	for i, msg := range messages {
		if assignments[i].Role != models.RoleQuestion {
			continue
		}
		best := -1
		for j := i + 1; j < len(messages); j++ {
			if messages[j].Channel != msg.Channel {
				continue
			}
			if assignments[j].Role != models.RoleAnswer {
				continue
			}
			if assignments[j].Confidence < a.minAnswerConfidence {
				continue
			}
			if best == -1 ||
				assignments[j].Confidence > assignments[best].Confidence ||
				(assignments[j].Confidence == assignments[best].Confidence &&
					messages[j].Timestamp.Before(messages[best].Timestamp)) {
				best = j
			}
		}
		if best == -1 {
			continue
		}
		pairConfidence := (assignments[i].Confidence + assignments[best].Confidence) / 2
		result.QAPairs = append(result.QAPairs, QAPair{
			QuestionIdx: i,
			AnswerIdx:   best,
			Confidence:  pairConfidence,
			Topic:       a.deriveTopic(ctx, msg.Text),
		})
	}

	return result, nil
}

// classifySemantic consults the external classifier, falling back to
// the heuristic verdict with reduced confidence when the call fails.
func (a *ConversationAnalyzer) classifySemantic(ctx context.Context, text string, heuristic RoleAssignment, cache map[string]RoleAssignment) RoleAssignment {
	if cached, ok := cache[text]; ok {
		return cached
	}
	role, confidence, err := a.classifier.ClassifyRole(ctx, text)
	if err != nil {
		a.logger.Warnf("analyzer: semantic classification failed, using heuristics: %v", err)
		degraded := heuristic
		degraded.Confidence = heuristic.Confidence * fallbackPenalty
		degraded.Reasoning = heuristic.Reasoning + " (classifier unavailable)"
		return degraded
	}
	ra := RoleAssignment{
		Role:       role,
		Confidence: clamp01(confidence),
		Reasoning:  "semantic classifier",
	}
	cache[text] = ra
	return ra
}

func (a *ConversationAnalyzer) deriveTopic(ctx context.Context, question string) string {
	if a.generator == nil {
		return "general"
	}
	prompt := fmt.Sprintf("Name the topic of this question in at most three words: %q", question)
	topic, err := a.generator.GenerateText(ctx, prompt)
	if err != nil {
		a.logger.Debugf("analyzer: topic generation failed: %v", err)
		return "general"
	}
	topic = strings.TrimSpace(strings.Trim(topic, `"`))
	if topic == "" {
		return "general"
	}
	return topic
}

var interrogativeWords = []string{
	"how", "what", "why", "when", "where", "who", "which",
	"can", "could", "would", "should", "is", "are", "does", "do",
	"anyone", "any idea",
}

var instructionalPhrases = []string{
	"go to", "click", "you can", "you should", "you need",
	"try ", "run ", "use ", "open ", "install", "navigate", "set ",
	"follow these", "steps:",
}

var gratitudeMarkers = []string{
	"thanks", "thank you", "that worked", "works now", "perfect",
	"got it", "solved", "awesome, that", "great, that",
}

var transitionalPhrases = []string{
	"also,", "one more thing", "additionally", "what about",
	"and another", "follow up", "following up", "related to that",
}

// classifyHeuristic applies the deterministic rules. afterQuestion
// raises the odds that instructional text is an answer rather than
// unsolicited context.
func classifyHeuristic(text string, afterQuestion bool) RoleAssignment {
	lower := strings.ToLower(strings.TrimSpace(text))

	if strings.HasSuffix(lower, "?") {
		return RoleAssignment{
			Role:       models.RoleQuestion,
			Confidence: 0.9,
			Reasoning:  "ends with a question mark",
		}
	}

	for _, marker := range gratitudeMarkers {
		if strings.Contains(lower, marker) {
			return RoleAssignment{
				Role:       models.RoleConfirmation,
				Confidence: 0.8,
				Reasoning:  fmt.Sprintf("gratitude/success marker %q", marker),
			}
		}
	}

	for _, phrase := range transitionalPhrases {
		if strings.Contains(lower, phrase) {
			return RoleAssignment{
				Role:       models.RoleFollowUp,
				Confidence: 0.7,
				Reasoning:  fmt.Sprintf("transitional phrasing %q", phrase),
			}
		}
	}

	for _, phrase := range instructionalPhrases {
		if strings.Contains(lower, phrase) {
			confidence := 0.65
			reasoning := fmt.Sprintf("instructional phrasing %q", phrase)
			if afterQuestion {
				confidence = 0.8
				reasoning += " after a question"
			}
			return RoleAssignment{
				Role:       models.RoleAnswer,
				Confidence: confidence,
				Reasoning:  reasoning,
			}
		}
	}

	for _, word := range interrogativeWords {
		if strings.HasPrefix(lower, word+" ") {
			return RoleAssignment{
				Role:       models.RoleQuestion,
				Confidence: 0.7,
				Reasoning:  fmt.Sprintf("starts with interrogative %q", word),
			}
		}
	}

	return RoleAssignment{
		Role:       models.RoleContext,
		Confidence: 0.4,
		Reasoning:  "no heuristic matched",
	}
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
