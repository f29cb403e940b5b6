package task

import (
	"encoding/json"
	"fmt"
	"math/rand"
	"os"
	"regexp"
	"strings"

	"github.com/inquest-ai/inquest/internal/belief"
	"github.com/inquest-ai/inquest/internal/search"
	"github.com/inquest-ai/inquest/provider"
)

// Victim describes who was killed and how.
type Victim struct {
	Name         string `json:"name"`
	Introduction string `json:"introduction"`
	CauseOfDeath string `json:"cause_of_death"`
	MurderWeapon string `json:"murder_weapon"`
}

// Suspect is one interrogation subject. One suspect per case carries
// IsMurderer; at least one is genuinely unaware of the crime.
type Suspect struct {
	Name         string `json:"name"`
	Introduction string `json:"introduction"`
	IsMurderer   bool   `json:"is_murderer,omitempty"`
	Story        string `json:"story"`
	Task         string `json:"task"`
}

// Case is one murder mystery instance.
type Case struct {
	Time     string    `json:"time"`
	Location string    `json:"location"`
	Victim   Victim    `json:"victim"`
	Suspects []Suspect `json:"suspects"`
}

// LoadCases reads a case file and shuffles each suspect list with a fixed
// seed. The data files store the murderer at index zero; the shuffle stops
// position from leaking the answer while keeping runs reproducible.
func LoadCases(path string) ([]Case, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading case file: %w", err)
	}
	var cases []Case
	if err := json.Unmarshal(raw, &cases); err != nil {
		return nil, fmt.Errorf("parsing case file %s: %w", path, err)
	}

	rng := rand.New(rand.NewSource(42))
	for i := range cases {
		rng.Shuffle(len(cases[i].Suspects), func(a, b int) {
			cases[i].Suspects[a], cases[i].Suspects[b] = cases[i].Suspects[b], cases[i].Suspects[a]
		})
	}
	return cases, nil
}

// addressedQuestion matches "[Suspect Name] question text".
var addressedQuestion = regexp.MustCompile(`^\[(.*?)\]\s*(.*)`)

// ParseAddressed splits a detective question into its addressee and the
// question proper, validating the addressee against the suspect list.
func ParseAddressed(hypotheses []string, question string) (string, string, error) {
	m := addressedQuestion.FindStringSubmatch(question)
	if m == nil {
		return "", "", fmt.Errorf("question %q is not addressed to a suspect", question)
	}
	name, text := m[1], m[2]
	for _, h := range hypotheses {
		if h == name {
			return name, text, nil
		}
	}
	return "", "", fmt.Errorf("unrecognised suspect %q", name)
}

// Detective is the murder mystery benchmark: multi-branch answers, questions
// addressed to individual suspects.
type Detective struct {
	instance   Case
	hypotheses []string
	answer     string
	background string
	suspects   string
	depth      int
}

func NewDetective(instance Case, conversationDepth int) (*Detective, error) {
	if len(instance.Suspects) == 0 {
		return nil, fmt.Errorf("case has no suspects")
	}

	d := &Detective{instance: instance, depth: conversationDepth}
	for _, s := range instance.Suspects {
		d.hypotheses = append(d.hypotheses, s.Name)
		if s.IsMurderer {
			d.answer = s.Name
		}
	}
	if d.answer == "" {
		return nil, fmt.Errorf("case has no murderer marked")
	}

	var bg strings.Builder
	fmt.Fprintf(&bg, "Time: %s\n", instance.Time)
	fmt.Fprintf(&bg, "Location: %s\n", instance.Location)
	bg.WriteString("Victim:\n")
	fmt.Fprintf(&bg, "- Name: %s\n", instance.Victim.Name)
	fmt.Fprintf(&bg, "- Introduction: %s\n", instance.Victim.Introduction)
	fmt.Fprintf(&bg, "- Cause of Death: %s\n", instance.Victim.CauseOfDeath)
	fmt.Fprintf(&bg, "- Murder Weapon: %s\n", instance.Victim.MurderWeapon)
	d.background = bg.String()

	var sb strings.Builder
	for i, s := range instance.Suspects {
		fmt.Fprintf(&sb, "- Suspect %d:\n", i+1)
		fmt.Fprintf(&sb, "    - Name: %s\n", s.Name)
		fmt.Fprintf(&sb, "    - Introduction: %s\n", s.Introduction)
	}
	d.suspects = strings.TrimRight(sb.String(), "\n")

	return d, nil
}

func (d *Detective) Name() string { return "detective" }

func (d *Detective) Info() string {
	return fmt.Sprintf("Detective Cases: victim %q, %d suspects", d.instance.Victim.Name, len(d.hypotheses))
}

func (d *Detective) Hypotheses() []string { return append([]string(nil), d.hypotheses...) }

func (d *Detective) Answer() string { return d.answer }

func (d *Detective) DefaultAnswers() []string { return []string{"Yes", "No"} }

func (d *Detective) QuestionPrompt(state *belief.State, history []search.Turn, maxQuestions int) []provider.Message {
	var b strings.Builder

	fmt.Fprintf(&b, "You are a detective investigating a murder. You can ask up to %d questions.\n\n", d.depth)
	b.WriteString("### Case Background\n")
	b.WriteString(d.background)
	b.WriteString("\n")

	fmt.Fprintf(&b, "The investigation focuses on %d suspects:\n", len(d.hypotheses))
	b.WriteString(d.suspects)
	b.WriteString("\n")

	if len(history) > 0 {
		b.WriteString("\nThese are the questions you've already asked so far:\n")
		b.WriteString(formatHistory(history))
		b.WriteString("\n")
	}

	b.WriteString("\n### Task\n")
	fmt.Fprintf(&b, "Generate %d excellent interrogation questions.\n", maxQuestions)
	b.WriteString("- Each question must be explicitly directed to a specific suspect.\n")
	b.WriteString("- Format the question as: \"[Suspect Name] Question text\".\n")
	b.WriteString("- Provide a realistic set of possible answers for that suspect.\n")
	b.WriteString("- Focus on questions that help distinguish between suspects (motive, alibi, opportunity, access to weapon).\n\n")
	b.WriteString("### Response Format\n")
	b.WriteString("One line per question:\n")
	b.WriteString("1. <Question 1>|Answer1|Answer2|Answer3\n")
	b.WriteString("2. <Question 2>|Answer1|Answer2\n")
	b.WriteString("...\n")
	b.WriteString("n. <Question n>|Answer1|Answer2|Answer3|...|AnswerK\n\n")
	b.WriteString("### Example\n")
	b.WriteString("1. [Mr. Jones] Where were you at the time of the murder?|In the kitchen|In the garden|With the victim\n")
	b.WriteString("2. [Dr. Otto] Did you have access to the murder weapon?|Yes|No")

	return []provider.Message{{Role: "user", Content: b.String()}}
}

func (d *Detective) LikelihoodPrompt(hypothesis, question string, answers []string) []provider.Message {
	// A malformed address still needs a usable prompt; the whole question
	// string then stands in for the addressee-specific phrasing.
	addressee, text, err := ParseAddressed(d.hypotheses, question)
	if err != nil {
		addressee, text = "the suspect", question
	}

	var b strings.Builder
	b.WriteString("You are a detective investigating a murder case.\n\n")
	b.WriteString("### Case Background\n")
	b.WriteString(d.background)
	b.WriteString("\n### Suspects\n")
	b.WriteString(d.suspects)
	b.WriteString("\n\n---\n### Conditional Assumption\n")
	fmt.Fprintf(&b, "For the purpose of this question, **assume %s is the murderer.**\n", hypothesis)
	b.WriteString("---\n\n### Scenario\n")
	fmt.Fprintf(&b, "You asked %s the following question:\n%q\n\n", addressee, text)
	b.WriteString("### Possible Answers\n")
	b.WriteString(formatAnswerList(answers))
	b.WriteString("\n\n### Task\n")
	fmt.Fprintf(&b, "Given that %s is the murderer, which answer did %s give?\n", hypothesis, addressee)
	b.WriteString("Respond with the number for the answer only.\n\n")
	fmt.Fprintf(&b, "%s's answer was number:", addressee)

	return []provider.Message{
		{Role: "user", Content: b.String()},
		{Role: "assistant", Content: " "},
	}
}

func (d *Detective) AnswerPrompt(question string, answers []string) ([]provider.Message, error) {
	name, text, err := ParseAddressed(d.hypotheses, question)
	if err != nil {
		return nil, err
	}
	var suspect *Suspect
	for i := range d.instance.Suspects {
		if d.instance.Suspects[i].Name == name {
			suspect = &d.instance.Suspects[i]
			break
		}
	}
	if suspect == nil {
		return nil, fmt.Errorf("suspect %q not found in case data", name)
	}

	var b strings.Builder
	b.WriteString("You are roleplaying as a suspect in a murder investigation.\n\n")
	b.WriteString("### Suspect\n")
	fmt.Fprintf(&b, "- Name: %s\n", suspect.Name)
	fmt.Fprintf(&b, "- Task: %s\n", suspect.Task)
	fmt.Fprintf(&b, "- Story: %s\n\n", suspect.Story)
	b.WriteString("### Instructions\n")
	fmt.Fprintf(&b, "- Answer the detective's question in character as %s.\n", name)
	b.WriteString("- Stay consistent with your task and story.\n")
	b.WriteString("- You may lie, evade, or tell the truth depending on what seems natural for this suspect.\n")
	fmt.Fprintf(&b, "- You must ONLY respond with one of the following options, matching it EXACTLY: %s\n", strings.Join(answers, ", "))
	b.WriteString("- Do not add extra text or commentary. Return exactly one of the options.\n\n")
	b.WriteString("### Detective's Question\n")
	fmt.Fprintf(&b, "%q", text)

	return []provider.Message{{Role: "user", Content: b.String()}}, nil
}
