// The steward command line manages an identity, backs up secrets to
// peers, answers recovery requests and runs recoveries to completion.
package main

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/stewardvault/recovery-backend/cmd/flags"
	"github.com/stewardvault/recovery-backend/cmd/nodecommon"
	"github.com/stewardvault/recovery-backend/cryptoutils"
	"github.com/stewardvault/recovery-backend/interfaces"
	"github.com/stewardvault/recovery-backend/sharing"
)

func main() {
	app := &cli.App{
		Name:  "steward",
		Usage: "Manage a vault identity, back up secrets and answer recovery requests",
		Flags: flags.CommonFlags,
		Commands: []*cli.Command{
			keygenCommand,
			identityCommand,
			backupCommand,
			scanCommand,
			requestsCommand,
			respondCommand,
			recoverCommand,
			statusCommand,
		},
	}
	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

var keygenCommand = &cli.Command{
	Name:  "keygen",
	Usage: "Generate a new identity keystore",
	Action: func(cCtx *cli.Context) error {
		path := cCtx.String(flags.KeystoreFlag.Name)
		passphrase := cCtx.String(flags.PassphraseFlag.Name)
		if passphrase == "" {
			return errors.New("keystore passphrase is required (set STEWARDVAULT_PASSPHRASE)")
		}
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("keystore %s already exists", path)
		}

		keys, err := cryptoutils.GenerateIdentityKey()
		if err != nil {
			return err
		}
		if err := cryptoutils.SaveIdentityKey(path, keys, []byte(passphrase)); err != nil {
			return err
		}
		fmt.Println(keys.Identity())
		return nil
	},
}

var identityCommand = &cli.Command{
	Name:  "identity",
	Usage: "Print the identity of the local keystore",
	Action: func(cCtx *cli.Context) error {
		keys, err := cryptoutils.LoadIdentityKey(cCtx.String(flags.KeystoreFlag.Name), []byte(cCtx.String(flags.PassphraseFlag.Name)))
		if err != nil {
			return err
		}
		fmt.Println(keys.Identity())
		return nil
	},
}

var backupCommand = &cli.Command{
	Name:  "backup",
	Usage: "Split a secret and distribute one share to each peer",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "lockbox", Required: true, Usage: "lockbox identifier"},
		&cli.StringFlag{Name: "secret-file", Required: true, Usage: "file with the secret bytes"},
		&cli.IntFlag{Name: "threshold", Required: true, Usage: "shares required to reconstruct"},
		&cli.StringSliceFlag{Name: "peer", Required: true, Usage: "steward identity (hex), one share each; repeatable"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		ctx := context.Background()
		node, err := nodecommon.Bootstrap(ctx, cCtx, logger)
		if err != nil {
			return err
		}

		secret, err := os.ReadFile(cCtx.String("secret-file"))
		if err != nil {
			return err
		}
		peers, err := parseIdentities(cCtx.StringSlice("peer"))
		if err != nil {
			return err
		}

		set, err := sharing.Split(secret, cCtx.Int("threshold"), len(peers),
			interfaces.LockboxID(cCtx.String("lockbox")), node.Keys.Identity())
		if err != nil {
			return err
		}
		receipts, err := node.Distributor.Publish(ctx, set, peers)
		if err != nil {
			return err
		}

		fmt.Printf("secret id: %s\n", set.SecretID)
		fmt.Printf("shares distributed: %d (%d relay receipts)\n", len(set.Shares), len(receipts))
		return nil
	},
}

var scanCommand = &cli.Command{
	Name:  "scan",
	Usage: "Fetch shares and recovery traffic addressed to this identity",
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		ctx := context.Background()
		node, err := nodecommon.Bootstrap(ctx, cCtx, logger)
		if err != nil {
			return err
		}

		shares, err := node.Distributor.FetchOwnShares(ctx)
		if err != nil {
			return err
		}
		for _, share := range shares {
			fmt.Printf("stored share %d of secret %s (lockbox %s, owner %s)\n",
				share.Index, share.SecretID, share.LockboxID, share.Owner)
		}
		return node.Coordinator.PollInbox(ctx)
	},
}

var requestsCommand = &cli.Command{
	Name:  "requests",
	Usage: "List recovery requests received as a key holder",
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		ctx := context.Background()
		node, err := nodecommon.Bootstrap(ctx, cCtx, logger)
		if err != nil {
			return err
		}
		if err := node.Coordinator.PollInbox(ctx); err != nil {
			return err
		}

		inbound, err := node.Coordinator.InboundRequests(ctx)
		if err != nil {
			return err
		}
		for _, in := range inbound {
			expiry := "never"
			if in.Request.ExpiresAt != nil {
				expiry = in.Request.ExpiresAt.Format(time.RFC3339)
			}
			fmt.Printf("%s  lockbox=%s secret=%s initiator=%s expires=%s\n",
				in.Request.ID, in.Request.LockboxID, in.SecretID, in.Request.Initiator, expiry)
		}
		return nil
	},
}

var respondCommand = &cli.Command{
	Name:  "respond",
	Usage: "Approve or deny a received recovery request",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "request-id", Required: true},
		&cli.BoolFlag{Name: "approve", Usage: "release the share to the initiator"},
		&cli.BoolFlag{Name: "deny", Usage: "withhold the share"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		ctx := context.Background()

		decision := interfaces.DecisionDenied
		if cCtx.Bool("approve") == cCtx.Bool("deny") {
			return errors.New("pass exactly one of --approve or --deny")
		}
		if cCtx.Bool("approve") {
			decision = interfaces.DecisionApproved
		}

		node, err := nodecommon.Bootstrap(ctx, cCtx, logger)
		if err != nil {
			return err
		}
		if err := node.Coordinator.PollInbox(ctx); err != nil {
			return err
		}
		return node.Coordinator.Respond(ctx, interfaces.RequestID(cCtx.String("request-id")), decision)
	},
}

var recoverCommand = &cli.Command{
	Name:  "recover",
	Usage: "Initiate a recovery and wait for the outcome",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "lockbox", Required: true},
		&cli.StringFlag{Name: "secret-id", Required: true, Usage: "hex secret id"},
		&cli.StringSliceFlag{Name: "holder", Usage: "key holder identity (hex); defaults to the stored assignment record"},
		&cli.IntFlag{Name: "threshold", Usage: "shares required; defaults to the stored assignment record"},
		&cli.Int64Flag{Name: "ttl-seconds", Value: 0, Usage: "request expiry, 0 for none"},
		&cli.Int64Flag{Name: "wait-seconds", Value: 600, Usage: "how long to wait for responses"},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		ctx := context.Background()
		node, err := nodecommon.Bootstrap(ctx, cCtx, logger)
		if err != nil {
			return err
		}

		var secretID interfaces.SecretID
		if err := secretID.UnmarshalText([]byte(cCtx.String("secret-id"))); err != nil {
			return err
		}
		lockboxID := interfaces.LockboxID(cCtx.String("lockbox"))

		holders, err := parseIdentities(cCtx.StringSlice("holder"))
		if err != nil {
			return err
		}
		threshold := cCtx.Int("threshold")
		if len(holders) == 0 {
			record, err := node.Distributor.ShareSetRecord(ctx, lockboxID, secretID)
			if err != nil {
				return fmt.Errorf("no stored assignment record, pass --holder and --threshold: %w", err)
			}
			for _, holder := range record.Assignments {
				holders = append(holders, holder)
			}
			threshold = record.Threshold
		}

		req, err := node.Coordinator.InitiateRecovery(ctx, lockboxID, secretID, holders, threshold,
			time.Duration(cCtx.Int64("ttl-seconds"))*time.Second)
		if err != nil {
			return err
		}
		fmt.Printf("request %s awaiting responses from %d holders (threshold %d)\n",
			req.ID, len(holders), threshold)

		deadline := time.Now().Add(time.Duration(cCtx.Int64("wait-seconds")) * time.Second)
		for time.Now().Before(deadline) {
			time.Sleep(5 * time.Second)
			if err := node.Coordinator.PollInbox(ctx); err != nil {
				logger.Warn("inbox scan failed", "err", err)
			}
			node.Coordinator.CheckExpiry(ctx, time.Now())

			status, err := node.Coordinator.Status(req.ID)
			if err != nil {
				return err
			}
			fmt.Printf("status=%s approvals=%d denials=%d\n",
				status.Request.Status, status.Approvals, status.Denials)
			if status.Request.Status.Terminal() {
				if status.Request.Status == interfaces.StatusCompleted {
					fmt.Printf("secret (base64): %s\n", base64.StdEncoding.EncodeToString(status.Secret))
					return nil
				}
				return fmt.Errorf("recovery ended in status %s", status.Request.Status)
			}
		}
		return errors.New("timed out waiting for responses; the request is still awaiting")
	},
}

var statusCommand = &cli.Command{
	Name:  "status",
	Usage: "Print the status of a recovery request",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "request-id", Required: true},
	},
	Action: func(cCtx *cli.Context) error {
		logger := flags.SetupLogger(cCtx)
		ctx := context.Background()
		node, err := nodecommon.Bootstrap(ctx, cCtx, logger)
		if err != nil {
			return err
		}

		status, err := node.Coordinator.Status(interfaces.RequestID(cCtx.String("request-id")))
		if err != nil {
			return err
		}
		fmt.Printf("request %s lockbox=%s status=%s approvals=%d denials=%d\n",
			status.Request.ID, status.Request.LockboxID, status.Request.Status, status.Approvals, status.Denials)
		return nil
	},
}

func parseIdentities(hexes []string) ([]interfaces.Identity, error) {
	out := make([]interfaces.Identity, 0, len(hexes))
	for _, h := range hexes {
		var id interfaces.Identity
		if err := id.UnmarshalText([]byte(h)); err != nil {
			return nil, fmt.Errorf("invalid identity %q: %w", h, err)
		}
		out = append(out, id)
	}
	return out, nil
}
