package seqlog

import (
	"encoding/json"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"time"

	"github.com/docukit/syncd/pkg/docbinding"
	"github.com/docukit/syncd/pkg/metrics"
	"github.com/docukit/syncd/pkg/storage"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
)

// Config configures a Sequencer node.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Sequencer is the HA wrapper around the FSM: it replicates append
// commands via Raft so that only the elected leader assigns clocks,
// while followers are ready to take over without data loss.
type Sequencer struct {
	nodeID   string
	bindAddr string
	dataDir  string

	raft *raft.Raft
	fsm  *FSM
}

// New creates a Sequencer backed by store. Call Bootstrap or Join
// before use.
func New(cfg Config, store storage.ServerProvider) (*Sequencer, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("create data directory: %w", err)
	}
	return &Sequencer{
		nodeID:   cfg.NodeID,
		bindAddr: cfg.BindAddr,
		dataDir:  cfg.DataDir,
		fsm:      NewFSM(store),
	}, nil
}

func (s *Sequencer) raftConfig() *raft.Config {
	config := raft.DefaultConfig()
	config.LocalID = raft.ServerID(s.nodeID)
	// Tuned for LAN deployments: fast failure detection without
	// flapping on a single dropped heartbeat.
	config.HeartbeatTimeout = 500 * time.Millisecond
	config.ElectionTimeout = 500 * time.Millisecond
	config.CommitTimeout = 50 * time.Millisecond
	config.LeaderLeaseTimeout = 250 * time.Millisecond
	return config
}

func (s *Sequencer) newRaft() (*raft.Raft, raft.Transport, error) {
	addr, err := net.ResolveTCPAddr("tcp", s.bindAddr)
	if err != nil {
		return nil, nil, fmt.Errorf("resolve bind address: %w", err)
	}

	transport, err := raft.NewTCPTransport(s.bindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft transport: %w", err)
	}

	snapshotStore, err := raft.NewFileSnapshotStore(s.dataDir, 2, os.Stderr)
	if err != nil {
		return nil, nil, fmt.Errorf("create snapshot store: %w", err)
	}

	logStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-log.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create log store: %w", err)
	}

	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(s.dataDir, "raft-stable.db"))
	if err != nil {
		return nil, nil, fmt.Errorf("create stable store: %w", err)
	}

	r, err := raft.NewRaft(s.raftConfig(), s.fsm, logStore, stableStore, snapshotStore, transport)
	if err != nil {
		return nil, nil, fmt.Errorf("create raft: %w", err)
	}
	return r, transport, nil
}

// Bootstrap starts a brand-new single-node cluster with this node as
// the sole (and initially leading) member.
func (s *Sequencer) Bootstrap() error {
	r, transport, err := s.newRaft()
	if err != nil {
		return err
	}
	s.raft = r

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(s.nodeID), Address: transport.LocalAddr()}},
	}
	future := s.raft.BootstrapCluster(configuration)
	if err := future.Error(); err != nil {
		return fmt.Errorf("bootstrap cluster: %w", err)
	}
	return nil
}

// Join starts this node as a Raft instance ready to be added as a
// voter by the existing leader; it does not bootstrap a new cluster.
func (s *Sequencer) Join() error {
	r, _, err := s.newRaft()
	if err != nil {
		return err
	}
	s.raft = r
	return nil
}

// IsLeader reports whether this node is the elected authoritative
// sequencer.
func (s *Sequencer) IsLeader() bool {
	if s.raft == nil {
		return false
	}
	leader := s.raft.State() == raft.Leader
	if leader {
		metrics.SequencerLeader.Set(1)
	} else {
		metrics.SequencerLeader.Set(0)
	}
	return leader
}

// LeaderAddr returns the current leader's bind address, or "" if
// unknown.
func (s *Sequencer) LeaderAddr() string {
	if s.raft == nil {
		return ""
	}
	return string(s.raft.Leader())
}

// AddVoter adds nodeID at address as a voting member. Only the leader
// may call this successfully.
func (s *Sequencer) AddVoter(nodeID, address string) error {
	if s.raft == nil {
		return fmt.Errorf("raft not initialized")
	}
	future := s.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(address), 0, 10*time.Second)
	return future.Error()
}

// AppendOperations replicates an append-and-clock-assign command and
// returns the server-assigned clock. Only the leader can apply the
// command (spec.md §1: single authoritative sequencer); on a follower
// raft.Apply fails and that error is returned. pkg/server calls this
// without checking IsLeader first.
func (s *Sequencer) AppendOperations(docID string, ops []docbinding.Operation) (int64, error) {
	if s.raft == nil {
		return 0, fmt.Errorf("raft not initialized")
	}

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.SequencerApplyDuration)

	data, err := json.Marshal(Command{
		Op:   opAppendOperations,
		Data: mustMarshal(appendOperationsCmd{DocID: docID, Ops: ops}),
	})
	if err != nil {
		return 0, fmt.Errorf("marshal command: %w", err)
	}

	future := s.raft.Apply(data, 5*time.Second)
	if err := future.Error(); err != nil {
		return 0, fmt.Errorf("apply command: %w", err)
	}

	result, ok := future.Response().(AppendResult)
	if !ok {
		return 0, fmt.Errorf("unexpected apply response type %T", future.Response())
	}
	return result.Clock, result.Err
}

// Shutdown releases the Raft instance.
func (s *Sequencer) Shutdown() error {
	if s.raft == nil {
		return nil
	}
	return s.raft.Shutdown().Error()
}

func mustMarshal(v any) json.RawMessage {
	data, err := json.Marshal(v)
	if err != nil {
		panic(err) // only called with internally-constructed values
	}
	return data
}
