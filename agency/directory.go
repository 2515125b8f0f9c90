package agency

import (
	"sort"

	"github.com/puzpuzpuz/xsync/v4"
	"github.com/rs/zerolog/log"

	"github.com/mesmerverse/agency-relay/router"
	"github.com/mesmerverse/agency-relay/storage"
)

// Entity is a live agent or agent connection.
type Entity interface {
	router.AgentHandler
	router.Terminable
	DID() string
	Verkey() string
	Kind() storage.Kind
	Stop()
}

// Directory tracks live entities by DID.
type Directory struct {
	entities *xsync.Map[string, Entity]
}

func NewDirectory() *Directory {
	return &Directory{entities: xsync.NewMap[string, Entity]()}
}

// Add records e, replacing and stopping any previous entity with the
// same DID.
func (d *Directory) Add(e Entity) {
	prev, loaded := d.entities.LoadAndStore(e.DID(), e)
	if loaded && prev != e {
		prev.Stop()
		log.Debug().Str("did", e.DID()).Msg("Replaced entity in directory")
	}
}

// Get returns the live entity for did.
func (d *Directory) Get(did string) (Entity, bool) {
	e, ok := d.entities.Load(did)
	if !ok {
		return nil, false
	}
	select {
	case <-e.Done():
		return nil, false
	default:
		return e, true
	}
}

func (d *Directory) Agent(did string) (*Agent, bool) {
	e, ok := d.Get(did)
	if !ok {
		return nil, false
	}
	agent, ok := e.(*Agent)
	return agent, ok
}

func (d *Directory) Connection(did string) (*AgentConnection, bool) {
	e, ok := d.Get(did)
	if !ok {
		return nil, false
	}
	conn, ok := e.(*AgentConnection)
	return conn, ok
}

// ConnectionsOf lists the DIDs of agentDID's live connections, sorted.
func (d *Directory) ConnectionsOf(agentDID string) []string {
	dids := []string{}
	d.entities.Range(func(did string, e Entity) bool {
		if conn, ok := e.(*AgentConnection); ok && conn.AgentDID() == agentDID {
			dids = append(dids, did)
		}
		return true
	})
	sort.Strings(dids)
	return dids
}

// Counts returns the number of agents and agent connections.
func (d *Directory) Counts() (agents, connections int) {
	d.entities.Range(func(_ string, e Entity) bool {
		switch e.Kind() {
		case storage.KindAgent:
			agents++
		case storage.KindConnection:
			connections++
		}
		return true
	})
	return agents, connections
}

// Stop stops the entity for did and removes it.
func (d *Directory) Stop(did string) bool {
	e, ok := d.entities.LoadAndDelete(did)
	if !ok {
		return false
	}
	e.Stop()
	log.Info().Str("did", did).Str("kind", string(e.Kind())).Msg("Entity stopped")
	return true
}

// StopAll stops every entity and returns how many were stopped.
func (d *Directory) StopAll() int {
	n := 0
	d.entities.Range(func(did string, e Entity) bool {
		e.Stop()
		d.entities.Delete(did)
		n++
		return true
	})
	return n
}
