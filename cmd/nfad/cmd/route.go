package cmd

import (
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/librescoot/nfa/internal/ee"
	"github.com/librescoot/nfa/internal/nfc"
	"github.com/librescoot/nfa/internal/tlv"
)

var (
	routeLMRTSize int
	routeNFCEEs   []string
	routeAIDs     []string
	routeTechs    []string
	routeProtos   []string
	routeSkipDEP  bool
)

var routeCmd = &cobra.Command{
	Use:   "route",
	Short: "Compute the listen mode routing table offline",
	Long: `Build the RF_SET_LISTEN_MODE_ROUTING commands for a routing configuration
without a controller and print each command block.

Examples:
  # ISO-DEP and a payment AID on the UICC, everything else on the host
  nfad route --nfcee 0x02 --aid A0000000031010@0x02 --tech 0x02:a,b --proto 0x00:isodep

  # Check how many AIDs fit a small table
  nfad route --lmrt-size 64 --aid A000000003@0x00 --aid A000000004@0x00`,
	RunE: runRoute,
}

func init() {
	rootCmd.AddCommand(routeCmd)

	routeCmd.Flags().IntVar(&routeLMRTSize, "lmrt-size", ee.DefaultLMRTSize,
		"routing table size reported by the controller")
	routeCmd.Flags().StringSliceVar(&routeNFCEEs, "nfcee", nil,
		"active NFCEE ids (e.g. 0x02)")
	routeCmd.Flags().StringArrayVar(&routeAIDs, "aid", nil,
		"AID route as HEX[@host], repeatable")
	routeCmd.Flags().StringArrayVar(&routeTechs, "tech", nil,
		"technology route as host:techs (techs: a,b,f,v,bprime)")
	routeCmd.Flags().StringArrayVar(&routeProtos, "proto", nil,
		"protocol route as host:protocols (protocols: t1t,t2t,t3t,isodep,nfcdep)")
	routeCmd.Flags().BoolVar(&routeSkipDEP, "skip-nfcdep", false,
		"leave NFC-DEP out of the host protocol routes")
}

// routePrinter collects the blocks the router would send
type routePrinter struct {
	blocks []routeBlock
}

type routeBlock struct {
	more bool
	n    int
	tlvs []byte
}

func (p *routePrinter) SetRouting(more bool, numTLV int, tlvs []byte) error {
	p.blocks = append(p.blocks, routeBlock{more: more, n: numTLV, tlvs: append([]byte(nil), tlvs...)})
	return nil
}

type routeEvents struct {
	errs []error
}

func (l *routeEvents) OnRoutingEvent(ev ee.Event) {
	if ev.Status != nfc.StatusOK {
		l.errs = append(l.errs, errors.Errorf("%s for NFCEE 0x%02x: %s", ev.Kind, uint8(ev.NFCEE), ev.Status))
	}
}

func runRoute(cmd *cobra.Command, args []string) error {
	logger := newLogger()
	printer := &routePrinter{}
	events := &routeEvents{}

	cfg := ee.DefaultConfig()
	cfg.LMRTSize = routeLMRTSize
	cfg.SkipNFCDEPRoute = routeSkipDEP
	r := ee.New(printer, events, nfc.NewFakeClock(time.Unix(0, 0)), cfg, logCallback(logger))

	for _, s := range routeNFCEEs {
		id, err := parseHost(s)
		if err != nil {
			return err
		}
		if err := r.AddNFCEE(id, ee.StatusActive); err != nil {
			return err
		}
	}

	techs := make(map[nfc.HostID]nfc.TechMask)
	for _, s := range routeTechs {
		id, value, err := parseHostValue(s)
		if err != nil {
			return err
		}
		mask, err := parseTechs(value)
		if err != nil {
			return err
		}
		techs[id] |= mask
	}
	for id, mask := range techs {
		if err := r.SetDefaultTechRouting(id, ee.TechRouting{SwitchOn: mask}); err != nil {
			return errors.Wrapf(err, "technology route for 0x%02x", uint8(id))
		}
	}

	protos := make(map[nfc.HostID]nfc.ProtocolMask)
	for _, s := range routeProtos {
		id, value, err := parseHostValue(s)
		if err != nil {
			return err
		}
		mask, err := parseProtocols(value)
		if err != nil {
			return err
		}
		protos[id] |= mask
	}
	for id, mask := range protos {
		if err := r.SetDefaultProtoRouting(id, ee.ProtoRouting{SwitchOn: mask}); err != nil {
			return errors.Wrapf(err, "protocol route for 0x%02x", uint8(id))
		}
	}

	for _, s := range routeAIDs {
		aid, id, err := parseAID(s)
		if err != nil {
			return err
		}
		if err := r.AddAIDRouting(id, aid, nfc.PowerOn); err != nil {
			logger.Warn().Msgf("AID %X: %v", aid, err)
		}
	}

	r.Enable()
	if err := r.UpdateNow(); err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for i, b := range printer.blocks {
		fmt.Fprintf(out, "block %d: more=%t entries=%d bytes=%d\n", i, b.more, b.n, len(b.tlvs))
		entries, err := tlv.Parse(b.tlvs)
		if err != nil {
			return errors.Wrapf(err, "block %d", i)
		}
		for _, e := range entries {
			fmt.Fprintf(out, "  %-6s % X\n", routeEntryName(e.Tag), e.Value)
		}
	}
	fmt.Fprintf(out, "remaining: %d of %d bytes\n", r.LMRTSize(), routeLMRTSize)

	for _, err := range events.errs {
		logger.Warn().Err(err).Msg("routing")
	}
	return nil
}

func routeEntryName(tag uint8) string {
	switch tag & 0x0F {
	case ee.EntryTech:
		return "tech"
	case ee.EntryProto:
		return "proto"
	case ee.EntryAID:
		return "aid"
	default:
		return fmt.Sprintf("0x%02x", tag)
	}
}
