package whatsapp

import (
	"fmt"
	"time"

	"attendance-engine/internal/intent"
)

// ReminderMessage builds the pre-class RSVP prompt sent to a parent.
func ReminderMessage(studentName, classTitle string, start time.Time) string {
	return fmt.Sprintf(
		"Hi! %s has %s at %s today. Will they attend? Reply YES to confirm or NO if they can't make it.",
		studentName, classTitle, start.Format("3:04 PM"),
	)
}

// ConfirmationMessage is the acknowledgment sent after a reply is understood.
func ConfirmationMessage(in intent.Intent) string {
	switch in {
	case intent.Confirm:
		return "Great, attendance confirmed. See you there!"
	case intent.Decline:
		return "Thanks for letting us know. We've updated the register."
	case intent.Tentative:
		return "Noted as a maybe. Reply YES or NO when you know more."
	default:
		return HelpMessage()
	}
}

// HelpMessage is sent when a reply can't be classified.
func HelpMessage() string {
	return "Sorry, I didn't catch that. Reply YES to confirm attendance, NO to cancel, or MAYBE if you're not sure yet."
}
