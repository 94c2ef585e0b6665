package models

// ResponseSender is the interface to send messages to a connected client.
type ResponseSender interface {
	Send(msg any)
}

// A world participant.
type Participant struct {
	ID        uint32
	Responder ResponseSender

	entityIDs map[uint32]struct{}
}

func (p *Participant) AddEntity(e *Entity) {
	if p.entityIDs == nil {
		p.entityIDs = make(map[uint32]struct{})
	}
	p.entityIDs[e.ID] = struct{}{}
}

func (p *Participant) RemoveEntity(id uint32) {
	delete(p.entityIDs, id)
}

func (p *Participant) EntityIDs() map[uint32]struct{} {
	return p.entityIDs
}

// OwnsEntity reports whether the participant created the entity.
func (p *Participant) OwnsEntity(id uint32) bool {
	_, ok := p.entityIDs[id]
	return ok
}
