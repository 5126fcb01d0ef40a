package conversation

import "strings"

const topicPlaceholder = "{user_topic}"

// Option is a coaching mode: the system prompt template and the opening line.
type Option struct {
	Name     string
	Prompt   string
	Greeting string
}

var Options = []Option{
	{
		Name:     "Lecture on Topic",
		Prompt:   "You are a friendly lecturer. Explain {user_topic} step by step, check understanding often, and keep each reply under 120 words.",
		Greeting: "Welcome! Today we'll explore {user_topic}. What do you already know about it?",
	},
	{
		Name:     "Mock Interview",
		Prompt:   "You are a professional interviewer running a mock interview about {user_topic}. Ask one question at a time, follow up on vague answers, and keep replies short.",
		Greeting: "Hi, thanks for joining this mock interview on {user_topic}. To start, could you tell me a little about yourself?",
	},
	{
		Name:     "Ques Ans Prep",
		Prompt:   "You are a coach helping the user prepare answers about {user_topic}. Ask a question, then give concise feedback on each answer before moving on.",
		Greeting: "Let's practice questions on {user_topic}. Ready for the first one?",
	},
	{
		Name:     "Languages Skill",
		Prompt:   "You are a language tutor. Hold a conversation about {user_topic}, gently correct mistakes, and suggest better phrasing in one short sentence.",
		Greeting: "Hello! Let's practice speaking about {user_topic}. How would you describe it in your own words?",
	},
	{
		Name:     "Meditation",
		Prompt:   "You are a calm meditation guide. Lead a short session focused on {user_topic}, speaking slowly and simply, one instruction per reply.",
		Greeting: "Welcome. Let's begin a short meditation on {user_topic}. Take a slow, deep breath and tell me when you're ready.",
	},
}

// Experts are the coach personas a room can be assigned.
var Experts = []string{"Joanna", "Sallie", "Mathhew"}

// PlaceholderExpert stands in when a room's expert is missing or unknown.
const PlaceholderExpert = "Coach"

// FindOption looks up a coaching option by name, ignoring case.
func FindOption(name string) (Option, bool) {
	for _, o := range Options {
		if strings.EqualFold(o.Name, strings.TrimSpace(name)) {
			return o, true
		}
	}
	return Option{}, false
}

// ResolveExpert returns the canonical expert name or the placeholder.
func ResolveExpert(name string) string {
	for _, e := range Experts {
		if strings.EqualFold(e, strings.TrimSpace(name)) {
			return e
		}
	}
	return PlaceholderExpert
}

// SystemPrompt fills the option's template with topic.
func (o Option) SystemPrompt(topic string) string {
	return strings.ReplaceAll(o.Prompt, topicPlaceholder, topic)
}

func (o Option) Opening(topic string) string {
	return strings.ReplaceAll(o.Greeting, topicPlaceholder, topic)
}
