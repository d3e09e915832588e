//go:build linux

package intake

import (
	"fmt"

	"github.com/google/nftables"
	"github.com/google/nftables/expr"

	"grimm.is/turnpike/internal/logging"
)

const steeringTable = "turnpike"

// Steering owns the nftables rules that divert traffic on managed
// interfaces into the verdict queue.
type Steering struct {
	conn     *nftables.Conn
	table    *nftables.Table
	queueNum uint16
	log      *logging.Logger
}

// NewSteering opens an nftables connection for rule management.
func NewSteering(queueNum uint16, log *logging.Logger) (*Steering, error) {
	conn, err := nftables.New()
	if err != nil {
		return nil, fmt.Errorf("failed to open nftables connection: %w", err)
	}
	return &Steering{
		conn:     conn,
		queueNum: queueNum,
		log:      log.WithComponent("steering"),
	}, nil
}

// Install replaces the steering table with queue rules for the given
// interfaces. Queue bypass is set so traffic keeps flowing if the
// daemon dies with rules still loaded.
func (s *Steering) Install(interfaces []string) error {
	s.table = &nftables.Table{
		Name:   steeringTable,
		Family: nftables.TableFamilyIPv4,
	}

	// Drop any stale copy from a previous run.
	s.conn.DelTable(s.table)
	_ = s.conn.Flush()

	s.conn.AddTable(s.table)

	prerouting := s.conn.AddChain(&nftables.Chain{
		Name:     "prerouting",
		Table:    s.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPrerouting,
		Priority: nftables.ChainPriorityRaw,
	})

	postrouting := s.conn.AddChain(&nftables.Chain{
		Name:     "postrouting",
		Table:    s.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  nftables.ChainHookPostrouting,
		Priority: nftables.ChainPriorityNATSource,
	})

	for _, iface := range interfaces {
		s.addQueueRule(prerouting, expr.MetaKeyIIFNAME, iface)
		s.addQueueRule(postrouting, expr.MetaKeyOIFNAME, iface)
	}

	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("failed to install steering rules: %w", err)
	}
	s.log.Info("steering rules installed", "interfaces", len(interfaces), "queue", s.queueNum)
	return nil
}

func (s *Steering) addQueueRule(chain *nftables.Chain, key expr.MetaKey, iface string) {
	s.conn.AddRule(&nftables.Rule{
		Table: s.table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Meta{Key: key, Register: 1},
			&expr.Cmp{
				Op:       expr.CmpOpEq,
				Register: 1,
				Data:     pad(iface),
			},
			&expr.Queue{
				Num:  s.queueNum,
				Flag: expr.QueueFlagBypass,
			},
		},
	})
}

// Remove tears the steering table down.
func (s *Steering) Remove() error {
	if s.table == nil {
		s.table = &nftables.Table{
			Name:   steeringTable,
			Family: nftables.TableFamilyIPv4,
		}
	}
	s.conn.DelTable(s.table)
	if err := s.conn.Flush(); err != nil {
		return fmt.Errorf("failed to remove steering rules: %w", err)
	}
	s.log.Info("steering rules removed")
	return nil
}

// pad null-pads an interface name to the 16 bytes nftables compares.
func pad(s string) []byte {
	b := make([]byte, 16)
	copy(b, s)
	return b
}
