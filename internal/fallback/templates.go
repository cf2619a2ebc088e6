package fallback

import (
	"fmt"
	"strings"

	"github.com/tutormesh/tutormesh/pkg/types"
)

// topicSnippet is a short prepared explanation bound to trigger words.
// Simplified answers are assembled from every snippet the question touches.
type topicSnippet struct {
	keywords []string
	text     string
}

var topicSnippets = []topicSnippet{
	{
		keywords: []string{"supervised learning", "labeled data", "classification", "regression"},
		text:     "Supervised learning trains a model on examples that already carry the correct answer, so the model learns to map inputs to known outputs. Classification predicts a category and regression predicts a number.",
	},
	{
		keywords: []string{"unsupervised learning", "clustering", "dimensionality"},
		text:     "Unsupervised learning finds structure in data that has no labeled answers. Clustering groups similar examples together and dimensionality reduction compresses many features into a few informative ones.",
	},
	{
		keywords: []string{"neural network", "deep learning", "backpropagation"},
		text:     "A neural network stacks layers of weighted connections between simple units. Training adjusts the weights with backpropagation so the network's output moves closer to the target.",
	},
	{
		keywords: []string{"gradient descent", "learning rate", "optimizer"},
		text:     "Gradient descent improves a model step by step: compute how wrong the model is, follow the slope of that error downhill, and repeat. The learning rate controls how large each step is.",
	},
	{
		keywords: []string{"overfitting", "regularization", "generalize"},
		text:     "Overfitting means the model memorized the training data instead of learning the pattern, so it fails on new data. Regularization, more training data, and simpler models all push back against it.",
	},
	{
		keywords: []string{"recursion", "recursive"},
		text:     "A recursive function solves a problem by calling itself on a smaller piece of the same problem, stopping at a base case that can be answered directly.",
	},
	{
		keywords: []string{"big o", "time complexity", "complexity"},
		text:     "Big O notation describes how an algorithm's cost grows with input size, ignoring constant factors. O(n) work doubles when the input doubles; O(n^2) work quadruples.",
	},
}

// simplifiedPreamble frames a reduced answer for each worker type
var simplifiedPreamble = map[types.WorkerType]string{
	types.WorkerTypeTutor:      "The full tutor is unavailable, so here is a short explanation:",
	types.WorkerTypeContent:    "Content generation is unavailable, so here is a condensed summary:",
	types.WorkerTypeAssessment: "Assessment is running in reduced mode. A quick refresher first:",
	types.WorkerTypeFeedback:   "Detailed feedback is unavailable right now. The key ideas to check your work against:",
}

// simplifiedAnswer assembles a reduced answer from every topic snippet whose
// keywords appear in the text. Returns false when the text matches nothing.
func simplifiedAnswer(text string, workerType types.WorkerType) (string, bool) {
	normalized := normalizeQuery(text)

	var parts []string
	for _, snippet := range topicSnippets {
		if matchesAny(normalized, snippet.keywords) {
			parts = append(parts, snippet.text)
		}
	}
	if len(parts) == 0 {
		return "", false
	}

	preamble, ok := simplifiedPreamble[workerType]
	if !ok {
		preamble = simplifiedPreamble[types.WorkerTypeTutor]
	}

	return preamble + "\n\n" + strings.Join(parts, "\n\n"), true
}

// cannedAnswer is a fixed response bound to trigger words
type cannedAnswer struct {
	keywords []string
	text     string
}

var cannedAnswers = map[types.WorkerType][]cannedAnswer{
	types.WorkerTypeTutor: {
		{
			keywords: []string{"stuck", "help", "confused", "don't understand", "do not understand"},
			text:     "When you are stuck, restate the problem in your own words, write down what you know and what you need, and try the smallest example you can. That usually exposes the missing step.",
		},
		{
			keywords: []string{"example", "practice", "exercise"},
			text:     "A good way to practice is to take a worked example, hide the solution, and reproduce it yourself. Compare against the original only after you have committed to an answer.",
		},
	},
	types.WorkerTypeContent: {
		{
			keywords: []string{"summary", "summarize", "outline", "notes"},
			text:     "To build useful notes, capture each concept as one sentence in your own words plus one example. Short notes you wrote yourself beat long notes you copied.",
		},
	},
	types.WorkerTypeAssessment: {
		{
			keywords: []string{"quiz", "test", "question", "assess"},
			text:     "Quiz generation is paused. In the meantime, test yourself: close your materials and write down everything you remember about the topic, then check what you missed.",
		},
	},
	types.WorkerTypeFeedback: {
		{
			keywords: []string{"review", "feedback", "check", "grade"},
			text:     "Automated review is paused. Re-read your answer out loud and check that every claim is either defined, derived, or cited. Most issues show up in that pass.",
		},
	},
}

// staticAnswer returns the first canned answer whose keywords match the text
func staticAnswer(text string, workerType types.WorkerType) (string, bool) {
	normalized := normalizeQuery(text)

	for _, canned := range cannedAnswers[workerType] {
		if matchesAny(normalized, canned.keywords) {
			return canned.text, true
		}
	}

	return "", false
}

// apologyFor is the unconditional floor of the fallback chain
func apologyFor(workerType types.WorkerType) string {
	return fmt.Sprintf("The %s service is temporarily unavailable and no saved answer matches your question. Please try again in a few minutes.", workerType)
}

func matchesAny(normalized string, keywords []string) bool {
	for _, keyword := range keywords {
		if strings.Contains(normalized, keyword) {
			return true
		}
	}
	return false
}
