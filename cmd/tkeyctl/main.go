package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"sort"

	"github.com/ruteri/tkey-engine/api/metadatahandler"
	"github.com/ruteri/tkey-engine/cmd/flags"
	"github.com/ruteri/tkey-engine/curve"
	"github.com/ruteri/tkey-engine/modules/securityquestion"
	"github.com/ruteri/tkey-engine/serviceprovider"
	"github.com/ruteri/tkey-engine/tkey"
	"github.com/urfave/cli/v2"
)

var shareFileFlag = &cli.StringFlag{
	Name:  "share-file",
	Value: "tkey-shares.json",
	Usage: "file holding this device's shares",
}

var transportFlag = &cli.StringFlag{
	Name:  "transport",
	Value: "hex",
	Usage: "share encoding: hex, base64 or json",
}

const usage string = `Manage a threshold key whose metadata lives on a metadata server.

The postbox key provides the identity share. Device shares are kept in the
share file and input on every invocation.`

func main() {
	app := &cli.App{
		Name:  "tkeyctl",
		Usage: usage,
		Flags: append([]cli.Flag{
			flags.MetadataServerFlag,
			flags.PostboxKeyFlag,
			shareFileFlag,
			flags.LogServiceFlagFn("tkeyctl"),
		}, flags.LogFlags...),
		Commands: []*cli.Command{
			{
				Name:  "init",
				Usage: "load the key, creating it if the server has none",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "no-create", Usage: "fail instead of creating a new key"},
				},
				Action: func(cCtx *cli.Context) error {
					s, err := open(cCtx, tkey.InitializeOptions{NeverInitializeNewKey: cCtx.Bool("no-create")})
					if err != nil {
						return err
					}
					if err := s.saveShares(); err != nil {
						return err
					}
					return s.printDetails()
				},
			},
			{
				Name:  "details",
				Usage: "print the key details",
				Action: func(cCtx *cli.Context) error {
					s, err := open(cCtx, tkey.InitializeOptions{NeverInitializeNewKey: true})
					if err != nil {
						return err
					}
					return s.printDetails()
				},
			},
			{
				Name:  "reconstruct",
				Usage: "reconstruct the private key from the resident shares",
				Flags: []cli.Flag{
					&cli.BoolFlag{Name: "show-key", Usage: "print the private key"},
				},
				Action: func(cCtx *cli.Context) error {
					s, err := open(cCtx, tkey.InitializeOptions{NeverInitializeNewKey: true})
					if err != nil {
						return err
					}
					rec, err := s.key.Reconstruct(cCtx.Context)
					if err != nil {
						return err
					}
					out := map[string]string{"seedPolyID": rec.SeedPolyID.String()}
					if cCtx.Bool("show-key") {
						out["privateKey"] = rec.Key.Hex()
					}
					return printJSON(out)
				},
			},
			{
				Name:  "new-share",
				Usage: "issue a new share and print it",
				Flags: []cli.Flag{
					transportFlag,
					&cli.StringFlag{Name: "description", Usage: "description stored with the share"},
					&cli.BoolFlag{Name: "keep", Usage: "also keep the share in the share file"},
				},
				Action: func(cCtx *cli.Context) error {
					transport, err := tkey.ParseShareTransport(cCtx.String("transport"))
					if err != nil {
						return err
					}
					s, err := open(cCtx, tkey.InitializeOptions{NeverInitializeNewKey: true})
					if err != nil {
						return err
					}
					ss, err := s.key.GenerateNewShare(cCtx.Context)
					if err != nil {
						return err
					}
					if desc := cCtx.String("description"); desc != "" {
						if err := s.key.AddShareDescription(cCtx.Context, ss.IndexHex(), desc, true); err != nil {
							return err
						}
					}
					if cCtx.Bool("keep") {
						if err := s.saveShares(); err != nil {
							return err
						}
					}
					encoded, err := tkey.EncodeShareStore(s.curve, ss, transport)
					if err != nil {
						return err
					}
					fmt.Println(encoded)
					return nil
				},
			},
			{
				Name:  "input-share",
				Usage: "input a share printed by new-share and keep it in the share file",
				Flags: []cli.Flag{
					transportFlag,
					&cli.StringFlag{Name: "share", Required: true},
				},
				Action: func(cCtx *cli.Context) error {
					transport, err := tkey.ParseShareTransport(cCtx.String("transport"))
					if err != nil {
						return err
					}
					s, err := open(cCtx, tkey.InitializeOptions{NeverInitializeNewKey: true})
					if err != nil {
						return err
					}
					if err := s.key.InputShare(cCtx.Context, cCtx.String("share"), transport); err != nil {
						return err
					}
					return s.saveShares()
				},
			},
			{
				Name:  "security-question",
				Usage: "manage the security-question share",
				Subcommands: []*cli.Command{
					{
						Name:  "set",
						Usage: "protect a new share with an answer",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "questions", Required: true},
							&cli.StringFlag{Name: "answer", Required: true},
						},
						Action: func(cCtx *cli.Context) error {
							s, err := open(cCtx, tkey.InitializeOptions{NeverInitializeNewKey: true})
							if err != nil {
								return err
							}
							sq := securityquestion.New(s.key, s.log)
							if _, err := sq.GenerateNewShare(cCtx.Context, cCtx.String("questions"), cCtx.String("answer")); err != nil {
								return err
							}
							return s.printDetails()
						},
					},
					{
						Name:  "input",
						Usage: "recover the security-question share with an answer",
						Flags: []cli.Flag{
							&cli.StringFlag{Name: "answer", Required: true},
						},
						Action: func(cCtx *cli.Context) error {
							s, err := open(cCtx, tkey.InitializeOptions{NeverInitializeNewKey: true})
							if err != nil {
								return err
							}
							sq := securityquestion.New(s.key, s.log)
							outcome, err := sq.InputShare(cCtx.Context, cCtx.String("answer"))
							if err != nil {
								return err
							}
							s.log.Info("security question share", slog.String("outcome", outcome.String()))
							if outcome == tkey.OutcomeInput {
								if err := s.saveShares(); err != nil {
									return err
								}
							}
							return s.printDetails()
						},
					},
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

type session struct {
	curve     *curve.Curve
	key       *tkey.ThresholdKey
	sp        *serviceprovider.PostboxProvider
	shareFile string
	log       *slog.Logger
}

type shareFile struct {
	Shares []string `json:"shares"`
}

// open initializes the key against the metadata server and inputs the shares
// from the share file. Shares that no longer belong to the key are skipped.
func open(cCtx *cli.Context, opts tkey.InitializeOptions) (*session, error) {
	logger := flags.SetupLogger(cCtx)
	c := curve.Secp256k1()

	sp, err := serviceprovider.ParsePostboxKey(c, cCtx.String(flags.PostboxKeyFlag.Name))
	if err != nil {
		return nil, err
	}

	key, err := tkey.New(tkey.Config{
		Storage:         metadatahandler.NewClient(cCtx.String(flags.MetadataServerFlag.Name), logger),
		ServiceProvider: sp,
		Curve:           c,
		Log:             logger,
	})
	if err != nil {
		return nil, err
	}

	ctx := cCtx.Context
	if ctx == nil {
		ctx = context.Background()
	}
	if _, err := key.Initialize(ctx, opts); err != nil {
		return nil, fmt.Errorf("could not initialize key: %w", err)
	}

	s := &session{curve: c, key: key, sp: sp, shareFile: cCtx.String(shareFileFlag.Name), log: logger}
	stored, err := s.loadShares()
	if err != nil {
		return nil, err
	}
	for _, encoded := range stored {
		err := key.InputShare(ctx, encoded, tkey.TransportHex)
		switch {
		case err == nil, errors.Is(err, tkey.ErrDuplicateShare):
		case errors.Is(err, tkey.ErrNotFound):
			logger.Warn("Skipping share that is no longer part of the key")
		default:
			return nil, fmt.Errorf("could not input stored share: %w", err)
		}
	}
	return s, nil
}

func (s *session) loadShares() ([]string, error) {
	raw, err := os.ReadFile(s.shareFile)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("could not read share file: %w", err)
	}
	var f shareFile
	if err := json.Unmarshal(raw, &f); err != nil {
		return nil, fmt.Errorf("could not parse share file: %w", err)
	}
	return f.Shares, nil
}

// saveShares writes every resident share except the identity share.
func (s *session) saveShares() error {
	identity, err := s.sp.IdentityShare()
	if err != nil {
		return err
	}
	shares, err := s.key.GetShares()
	if err != nil {
		return err
	}

	var f shareFile
	for _, byIndex := range shares {
		for idx, ss := range byIndex {
			if idx == identity.Index.Hex() {
				continue
			}
			encoded, err := tkey.EncodeShareStore(s.curve, ss, tkey.TransportHex)
			if err != nil {
				return err
			}
			f.Shares = append(f.Shares, encoded)
		}
	}
	sort.Strings(f.Shares)

	raw, err := json.MarshalIndent(f, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(s.shareFile, raw, 0o600); err != nil {
		return fmt.Errorf("could not write share file: %w", err)
	}
	s.log.Info("Saved shares", slog.String("file", s.shareFile), slog.Int("count", len(f.Shares)))
	return nil
}

func (s *session) printDetails() error {
	details, err := s.key.GetKeyDetails()
	if err != nil {
		return err
	}
	return printJSON(details)
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
