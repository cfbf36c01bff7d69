package referee

import "fmt"

// Resource key helpers. Agents and the service agree on these shapes so
// frequency caps and holds land on the same keys.

// ContactEmailKey returns the resource key for emailing a contact,
// optionally scoped to a template.
func ContactEmailKey(contactID int, template string) string {
	if template != "" {
		return fmt.Sprintf("contact:%d/email/%s", contactID, template)
	}
	return fmt.Sprintf("contact:%d/email", contactID)
}

// ContactSMSKey returns the resource key for texting a contact.
func ContactSMSKey(contactID int) string {
	return fmt.Sprintf("contact:%d/sms", contactID)
}

// TicketKey returns the resource key for an operation on a ticket.
func TicketKey(ticketID, op string) string {
	return fmt.Sprintf("ticket:%s/%s", ticketID, op)
}

// OrderKey returns the resource key for an operation on an order.
func OrderKey(orderID, op string) string {
	return fmt.Sprintf("order:%s/%s", orderID, op)
}

// CalendarBookKey returns the resource key for booking a calendar slot.
// The slot is an RFC 3339 timestamp; conflict suggestions are derived from it.
func CalendarBookKey(calendarID, slot string) string {
	return fmt.Sprintf("calendar:%s@%s", calendarID, slot)
}
