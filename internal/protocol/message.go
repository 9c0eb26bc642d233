// Package protocol implements the payment terminal's side of the device
// conversation: the line-message grammar and the transaction state machine
// that drives one settlement attempt per identification event.
package protocol

import (
	"fmt"
	"strconv"
	"strings"
)

// Wire tags. One message per newline-terminated line.
const (
	cardDataPrefix = "CARD_DATA:"
	paymentPrefix  = "PAYMENT:"
	paymentSuccess = "PAYMENT:SUCCESS"

	lowBalanceTag = "LOW_BALANCE"
	deductTag     = "DEDUCT"

	// CancelCommand aborts the transaction on the device side. Bare tag,
	// no payload.
	CancelCommand = "CANCEL"
)

// Identification announces a vehicle at the exit: its plate, the balance
// stored on the device, and the device's own identifier. DeviceID plays no
// part in settlement; it is carried for logging only.
type Identification struct {
	Plate    string
	Balance  int
	DeviceID string
}

// Confirmation is the device's verdict on a DEDUCT command.
type Confirmation struct {
	Success bool
	Reason  string
}

// Message is an inbound device message: Identification or Confirmation.
type Message interface{ message() }

func (Identification) message() {}
func (Confirmation) message()   {}

// Parse decodes one inbound line. Unknown tags and malformed payloads are
// errors; the caller drops such lines without starting a transaction.
func Parse(line string) (Message, error) {
	switch {
	case strings.HasPrefix(line, cardDataPrefix):
		return parseIdentification(strings.TrimPrefix(line, cardDataPrefix))
	case line == paymentSuccess:
		return Confirmation{Success: true}, nil
	case strings.HasPrefix(line, paymentPrefix):
		return Confirmation{Reason: strings.TrimPrefix(line, paymentPrefix)}, nil
	default:
		return nil, fmt.Errorf("protocol: unknown message %q", line)
	}
}

func parseIdentification(payload string) (Message, error) {
	fields := strings.Split(payload, ",")
	if len(fields) < 3 {
		return nil, fmt.Errorf("protocol: identification needs 3 fields, got %d", len(fields))
	}
	balance, err := strconv.Atoi(strings.TrimSpace(fields[1]))
	if err != nil {
		return nil, fmt.Errorf("protocol: identification balance: %w", err)
	}
	// Extra fields beyond the third are ignored for forward compatibility.
	return Identification{
		Plate:    strings.TrimSpace(fields[0]),
		Balance:  balance,
		DeviceID: strings.TrimSpace(fields[2]),
	}, nil
}

// LowBalanceCommand warns the device that its stored balance is running low.
func LowBalanceCommand(balance int) string {
	return fmt.Sprintf("%s:%d", lowBalanceTag, balance)
}

// DeductCommand instructs the device to deduct amount from its balance. It
// is the only command that expects a response.
func DeductCommand(amount int) string {
	return fmt.Sprintf("%s:%d", deductTag, amount)
}
