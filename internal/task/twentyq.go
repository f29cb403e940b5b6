package task

import (
	"fmt"
	"strings"

	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/search"
	"github.com/inquest-ai/inquest/provider"
)

// CommonEntities is the built-in hypothesis list for the twenty questions
// benchmark: everyday things an answerer can impersonate without ambiguity.
var CommonEntities = []string{
	"Apple", "Banana", "Carrot", "Potato", "Bread",
	"Cheese", "Chicken", "Coffee", "Honey", "Rice",
	"Dog", "Cat", "Horse", "Elephant", "Dolphin",
	"Eagle", "Snake", "Butterfly", "Spider", "Penguin",
	"Chair", "Table", "Mirror", "Clock", "Lamp",
	"Scissors", "Hammer", "Umbrella", "Wallet", "Backpack",
	"Guitar", "Piano", "Violin", "Drum", "Trumpet",
	"Car", "Bicycle", "Airplane", "Train", "Boat",
	"Mountain", "River", "Ocean", "Desert", "Volcano",
	"Moon", "Rainbow", "Snowflake", "Lightning", "Cloud",
}

// TwentyQ is the classic guessing game: the answerer impersonates a secret
// entity and replies Yes or No.
type TwentyQ struct {
	answer     string
	hypotheses []string
}

func NewTwentyQ(answer string, hypotheses []string) (*TwentyQ, error) {
	if len(hypotheses) == 0 {
		hypotheses = CommonEntities
	}
	found := false
	for _, h := range hypotheses {
		if h == answer {
			found = true
			break
		}
	}
	if !found {
		return nil, fmt.Errorf("answer %q is not in the hypothesis list", answer)
	}
	return &TwentyQ{answer: answer, hypotheses: hypotheses}, nil
}

func (t *TwentyQ) Name() string { return "twentyq" }

func (t *TwentyQ) Info() string {
	return fmt.Sprintf("Twenty Questions: %d entities, answer %q", len(t.hypotheses), t.answer)
}

func (t *TwentyQ) Hypotheses() []string { return append([]string(nil), t.hypotheses...) }

func (t *TwentyQ) Answer() string { return t.answer }

func (t *TwentyQ) DefaultAnswers() []string { return []string{"Yes", "No"} }

func (t *TwentyQ) QuestionPrompt(state *belief.State, history []search.Turn, maxQuestions int) []provider.Message {
	var b strings.Builder

	b.WriteString("You are an expert player of the 20 Questions game. Your goal is to guess a secret entity, X. I will be impersonating the secret entity, X.\n")
	b.WriteString("You will ask me up to 20 questions which start with 'Is X' and can only be answered by 'Yes' or 'No', and I will answer each one truthfully based on being X.\n\n")

	b.WriteString("The secret entity X is one of these:\n")
	for _, h := range state.Hypotheses() {
		fmt.Fprintf(&b, "- %s\n", h)
	}

	if len(history) > 0 {
		b.WriteString("\nThe game has proceeded as follows:\n")
		b.WriteString(formatHistory(history))
		b.WriteString("\n")
	}

	fmt.Fprintf(&b, "\nYour task is to generate %d *excellent* yes/no questions to ask next.\n", maxQuestions)
	b.WriteString("The best questions are those that will help distinguish between these likely possibilities.\n")
	b.WriteString("Format your response in this structure:\n")
	b.WriteString("1. <Question 1>\n2. <Question 2>\n...\nn. <Question n>")

	return []provider.Message{{Role: "user", Content: b.String()}}
}

func (t *TwentyQ) LikelihoodPrompt(hypothesis, question string, answers []string) []provider.Message {
	var b strings.Builder

	b.WriteString("You are playing a game of 20 Questions.\n")
	b.WriteString("---\n### Conditional Assumption\n")
	fmt.Fprintf(&b, "For the purpose of this question, **assume %s is the secret entity.**\n", hypothesis)
	b.WriteString("---\n\n### Scenario\nYou asked the following question:\n")
	fmt.Fprintf(&b, "%q\n\n", question)
	b.WriteString("### Possible Answers\n")
	b.WriteString(formatAnswerList(answers))
	b.WriteString("\n\n### Task\n")
	fmt.Fprintf(&b, "Given that %s is the secret entity, which answer did the answerer give?\n", hypothesis)
	b.WriteString("Respond with the number for the answer only.\n\n")
	b.WriteString("The answer was number:")

	return []provider.Message{
		{Role: "user", Content: b.String()},
		// The prefilled assistant turn forces the number to be the first
		// generated token, which is where the logprobs are read.
		{Role: "assistant", Content: " "},
	}
}

func (t *TwentyQ) AnswerPrompt(question string, answers []string) ([]provider.Message, error) {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a player of the 20 Questions game. Your goal is to impersonate the secret entity, X. X is %s.\n", t.answer)
	b.WriteString("I will ask up to 20 questions and you should answer each one truthfully based on being X.\n\n")
	b.WriteString("### Instructions\n")
	b.WriteString("- Answer truthfully based on what X is.\n")
	fmt.Fprintf(&b, "- You must ONLY respond with one of the following options, matching it EXACTLY: %s\n", strings.Join(answers, ", "))
	b.WriteString("- Do not add extra text or commentary. Return exactly one of the options.\n\n")
	b.WriteString("### Question\n")
	fmt.Fprintf(&b, "%q", question)

	return []provider.Message{{Role: "user", Content: b.String()}}, nil
}
