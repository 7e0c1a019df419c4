package queue

import (
	"github.com/ternarybob/recap/internal/models"
)

// ErrNoMessage is returned when the queue is empty
var ErrNoMessage = models.ErrNoMessage

// Message is an alias for models.QueueMessage within the queue package
type Message = models.QueueMessage

// Delivery is a received message plus the handle needed to acknowledge it
type Delivery struct {
	ID           string
	Body         Message
	ReceiveCount int
	manager      *BadgerManager
}

// Delete acknowledges the delivery, removing the message and its dedup key
func (d *Delivery) Delete() error {
	return d.manager.delete(d.ID)
}
