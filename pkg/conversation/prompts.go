package conversation

import "fmt"

// Prompts are the support-side lines the widget shows while collecting the
// identity and when something goes wrong. Templates take the display name.
type Prompts struct {
	AskName          string
	AskPhoneTemplate string
	InvalidPhone     string
	Welcome          string
	WelcomeBack      string
	SendFailed       string
	Reconnecting     string
	NoHistory        string
}

func DefaultPrompts() Prompts {
	return Prompts{
		AskName:          "¡Hola! 👋 Para poder ayudarte mejor, ¿podrías decirme tu nombre?",
		AskPhoneTemplate: "¡Gracias %s! 🙂 ¿Podrías proporcionarme tu número de teléfono para contactarte si es necesario?",
		InvalidPhone:     "Por favor, introduce un número de teléfono válido (solo números, mínimo 9 dígitos).",
		Welcome:          "¡Perfecto! ¿En qué puedo ayudarte hoy?",
		WelcomeBack:      "¡Bienvenido(a) de nuevo, %s! 😊 ¿En qué puedo ayudarte hoy?",
		SendFailed:       "Lo siento, ha ocurrido un error al enviar tu mensaje. Por favor, inténtalo de nuevo más tarde.",
		Reconnecting:     "Desconectado. Intentando reconectar...",
		NoHistory:        "No hay historial disponible.",
	}
}

func (p Prompts) AskPhone(name string) string {
	return fmt.Sprintf(p.AskPhoneTemplate, name)
}

func (p Prompts) WelcomeBackFor(name string) string {
	return fmt.Sprintf(p.WelcomeBack, name)
}

// Greeting is what an empty widget shows for the given phase.
func (p Prompts) Greeting(phase Phase, name string) string {
	switch phase {
	case CollectingPhone:
		return p.AskPhone(name)
	case Chatting:
		return p.WelcomeBackFor(name)
	default:
		return p.AskName
	}
}
