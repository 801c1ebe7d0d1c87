package main

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"medshare/internal/app"
	"medshare/internal/domain"
	"medshare/internal/engine"
	"medshare/internal/engine/auth"
	"medshare/internal/identity"
	"medshare/internal/repo"
)

func medicationCmd() *cobra.Command {
	c := &cobra.Command{Use: "medication", Short: "Manage donated medications"}
	c.AddCommand(medicationCreateCmd())
	c.AddCommand(medicationListCmd())
	return c
}

func medicationCreateCmd() *cobra.Command {
	var opts engine.MedicationCreateOptions
	var expiry string
	var minC, maxC float64
	cmd := &cobra.Command{
		Use:   "create",
		Short: "List a donated medication",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			if opts.ExpiryDate, err = parseDate(expiry); err != nil {
				return err
			}
			if cmd.Flags().Changed("min-c") || cmd.Flags().Changed("max-c") {
				opts.Storage = &domain.StorageRange{MinC: minC, MaxC: maxC}
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.Require(caller, auth.PermMedicationCreate); err != nil {
					return err
				}
				opts.DonorID = caller.ID
				opts.DonorName = caller.Name
				m, err := a.Engine.CreateMedication(ctx, opts)
				if err != nil {
					return err
				}
				return printMedication(m)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Name, "name", "", "medication name")
	cmd.Flags().StringVar(&opts.Description, "description", "", "description")
	cmd.Flags().IntVar(&opts.Quantity, "quantity", 0, "units available")
	cmd.Flags().StringVar(&opts.Unit, "unit", "", "unit of quantity, e.g. boxes")
	cmd.Flags().StringVar(&expiry, "expiry", "", "expiry date")
	cmd.Flags().Float64Var(&minC, "min-c", 0, "lowest storage temperature in Celsius")
	cmd.Flags().Float64Var(&maxC, "max-c", 0, "highest storage temperature in Celsius")
	return cmd
}

func medicationListCmd() *cobra.Command {
	var opts engine.InventoryListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List medications visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.Require(caller, auth.PermMedicationRead); err != nil {
					return err
				}
				page, err := a.Engine.ListInventory(ctx, caller, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Name", "Quantity", "Unit", "Status", "Donor")
				for _, m := range page.Items {
					tw.AppendRow([]any{m.ID, m.Name, m.Quantity, m.Unit, m.Status, m.DonorID})
				}
				tw.Render()
				printNextCursor(page.NextCursor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "mine, available or all")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter")
	cmd.Flags().StringVar(&opts.Search, "q", "", "search text")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "page cursor")
	return cmd
}

func requestCmd() *cobra.Command {
	c := &cobra.Command{Use: "request", Short: "Manage medication requests"}
	c.AddCommand(requestCreateCmd())
	c.AddCommand(requestListCmd())
	c.AddCommand(requestShowCmd())
	c.AddCommand(requestApproveCmd())
	c.AddCommand(requestRejectCmd())
	c.AddCommand(requestShipCmd())
	c.AddCommand(requestDeliverCmd())
	return c
}

func requestCreateCmd() *cobra.Command {
	var opts engine.RequestCreateOptions
	var priority string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Request a medication",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.Require(caller, auth.PermRequestCreate); err != nil {
					return err
				}
				opts.RequesterID = caller.ID
				opts.RequesterName = caller.Name
				opts.RequesterType = domain.RequesterType(caller.Role)
				opts.Priority = domain.Priority(priority)
				r, err := a.Engine.CreateRequest(ctx, opts)
				if err != nil {
					return err
				}
				return printRequest(r)
			})
		},
	}
	cmd.Flags().StringVar(&opts.MedicationID, "medication-id", "", "medication to request")
	cmd.Flags().IntVar(&opts.Quantity, "quantity", 0, "units requested")
	cmd.Flags().StringVar(&priority, "priority", "", "low, medium or high")
	cmd.Flags().StringVar(&opts.Reason, "reason", "", "why the medication is needed")
	cmd.Flags().StringVar(&opts.Delivery.Address, "address", "", "delivery address")
	cmd.Flags().StringVar(&opts.Delivery.ContactName, "contact", "", "delivery contact name")
	cmd.Flags().StringVar(&opts.Delivery.Phone, "phone", "", "delivery contact phone")
	cmd.Flags().StringVar(&opts.Delivery.Notes, "notes", "", "delivery notes")
	return cmd
}

func requestListCmd() *cobra.Command {
	var opts engine.RequestListOptions
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List requests visible to the actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.Require(caller, auth.PermRequestRead); err != nil {
					return err
				}
				page, err := a.Engine.ListRequests(ctx, caller, opts)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Medication", "Quantity", "Priority", "Status", "Requester", "Donor")
				for _, r := range page.Items {
					tw.AppendRow([]any{r.ID, r.MedicationName, r.Quantity, r.Priority, r.Status, r.RequesterID, r.DonorID})
				}
				tw.Render()
				printNextCursor(page.NextCursor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&opts.Scope, "scope", "", "mine, incoming or all")
	cmd.Flags().StringVar(&opts.Status, "status", "", "status filter, comma-separated for several")
	cmd.Flags().StringVar(&opts.Priority, "priority", "", "priority filter")
	cmd.Flags().StringVar(&opts.MedicationID, "medication-id", "", "medication filter")
	cmd.Flags().StringVar(&opts.Search, "q", "", "search text")
	cmd.Flags().IntVar(&opts.Limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&opts.Cursor, "cursor", "", "page cursor")
	return cmd
}

func requestShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show <id>",
		Short: "Show a request with its audit trail",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.Require(caller, auth.PermRequestRead); err != nil {
					return err
				}
				r, err := a.Engine.GetRequest(ctx, caller, args[0])
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(r)
				}
				_ = printRequest(r)
				tw := newTable("Status", "At", "By", "Note")
				for _, u := range r.StatusUpdates {
					tw.AppendRow([]any{u.Status, u.Timestamp.Format(time.RFC3339), u.UpdatedBy, u.Note})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func requestApproveCmd() *cobra.Command {
	var note, eta string
	cmd := &cobra.Command{
		Use:   "approve <id>",
		Short: "Approve a pending request and reserve stock",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			estimate, err := parseDate(eta)
			if err != nil {
				return err
			}
			return decide(cmd, engine.DecideOptions{RequestID: args[0], Decision: engine.DecisionApprove, Note: note, EstimatedDeliveryDate: estimate})
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note for the requester")
	cmd.Flags().StringVar(&eta, "eta", "", "estimated delivery date")
	return cmd
}

func requestRejectCmd() *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:   "reject <id>",
		Short: "Reject a pending request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return decide(cmd, engine.DecideOptions{RequestID: args[0], Decision: engine.DecisionReject, Reason: reason})
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "rejection reason (required)")
	return cmd
}

func decide(cmd *cobra.Command, opts engine.DecideOptions) error {
	caller, err := actor()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.Engine.Auth.Require(caller, auth.PermRequestDecide); err != nil {
			return err
		}
		opts.DeciderID = caller.ID
		r, err := a.Engine.Decide(ctx, opts)
		if err != nil {
			return err
		}
		return printRequest(r)
	})
}

func requestShipCmd() *cobra.Command {
	var note, location, carrier, arrival string
	cmd := &cobra.Command{
		Use:   "ship <id>",
		Short: "Mark an approved request as in transit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			at, err := parseDate(arrival)
			if err != nil {
				return err
			}
			tracking := &domain.TrackingUpdate{
				Location:         optionalString(location),
				CarrierReference: optionalString(carrier),
				EstimatedArrival: at,
			}
			return advance(cmd, args[0], auth.PermShipmentShip, domain.StatusInTransit, note, tracking)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note")
	cmd.Flags().StringVar(&location, "location", "", "current location")
	cmd.Flags().StringVar(&carrier, "carrier-ref", "", "carrier reference")
	cmd.Flags().StringVar(&arrival, "arrival", "", "estimated arrival date")
	return cmd
}

func requestDeliverCmd() *cobra.Command {
	var note string
	cmd := &cobra.Command{
		Use:   "deliver <id>",
		Short: "Confirm delivery of an in-transit request",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return advance(cmd, args[0], auth.PermShipmentDeliver, domain.StatusDelivered, note, nil)
		},
	}
	cmd.Flags().StringVar(&note, "note", "", "note")
	return cmd
}

func advance(cmd *cobra.Command, id, perm string, status domain.RequestStatus, note string, tracking *domain.TrackingUpdate) error {
	caller, err := actor()
	if err != nil {
		return err
	}
	return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
		if err := a.Engine.Auth.Require(caller, perm); err != nil {
			return err
		}
		r, err := a.Engine.AdvanceShipment(ctx, engine.ShipmentOptions{RequestID: id, Handler: caller, Status: status, Note: note, Tracking: tracking})
		if err != nil {
			return err
		}
		return printRequest(r)
	})
}

func logCmd() *cobra.Command {
	c := &cobra.Command{Use: "log", Short: "Inspect the event log"}
	c.AddCommand(logTailCmd())
	return c
}

func logTailCmd() *cobra.Command {
	var f repo.EventFilter
	cmd := &cobra.Command{
		Use:   "tail",
		Short: "Show the most recent events",
		RunE: func(cmd *cobra.Command, args []string) error {
			caller, err := actor()
			if err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Auth.Require(caller, auth.PermEventRead); err != nil {
					return err
				}
				page, err := a.Engine.ListEvents(ctx, f)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page.Items)
				}
				tw := newTable("Seq", "At", "Type", "Entity", "Actor")
				for _, e := range page.Items {
					tw.AppendRow([]any{e.Seq, e.CreatedAt.Format(time.RFC3339), e.Type, e.EntityKind + "/" + e.EntityID, e.ActorID})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().IntVar(&f.Limit, "n", 20, "number of events")
	cmd.Flags().StringVar(&f.Type, "type", "", "event type filter")
	cmd.Flags().StringVar(&f.EntityKind, "entity-kind", "", "entity kind")
	cmd.Flags().StringVar(&f.EntityID, "entity-id", "", "entity id")
	return cmd
}

func apiKeyCmd() *cobra.Command {
	c := &cobra.Command{Use: "apikey", Short: "Manage API keys"}
	c.AddCommand(apiKeyCreateCmd())
	c.AddCommand(apiKeyListCmd())
	c.AddCommand(apiKeyRevokeCmd())
	return c
}

func requireKeyManager() (domain.Caller, error) {
	caller, err := actor()
	if err != nil {
		return caller, err
	}
	return caller, auth.Service{}.Require(caller, auth.PermAPIKeyManage)
}

func apiKeyCreateCmd() *cobra.Command {
	var callerID, role, name string
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create an API key; the plaintext is shown once",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := requireKeyManager(); err != nil {
				return err
			}
			buf := make([]byte, 24)
			if _, err := rand.Read(buf); err != nil {
				return err
			}
			plain := "msk_" + hex.EncodeToString(buf)
			key := domain.APIKey{
				ID:        uuid.NewString(),
				CallerID:  callerID,
				Role:      domain.Role(role),
				Name:      name,
				KeyHash:   repo.HashAPIKey(plain),
				CreatedAt: time.Now().UTC(),
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.InsertAPIKey(ctx, key); err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"id": key.ID, "caller_id": key.CallerID, "role": key.Role, "key": plain}, func() {
					fmt.Println("id: ", key.ID)
					fmt.Println("key:", plain)
					fmt.Println("store the key now; it is not shown again")
				})
			})
		},
	}
	cmd.Flags().StringVar(&callerID, "caller-id", "", "identity the key authenticates as")
	cmd.Flags().StringVar(&role, "key-role", "", "role granted to the key")
	cmd.Flags().StringVar(&name, "name", "", "label")
	return cmd
}

func apiKeyListCmd() *cobra.Command {
	var callerID, cursor string
	var limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List API keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := requireKeyManager(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				page, err := a.Engine.Repo.ListAPIKeys(ctx, callerID, limit, cursor)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(page)
				}
				tw := newTable("ID", "Caller", "Role", "Name", "Created", "Revoked")
				for _, k := range page.Items {
					revoked := ""
					if k.RevokedAt != nil {
						revoked = k.RevokedAt.Format(time.RFC3339)
					}
					tw.AppendRow([]any{k.ID, k.CallerID, k.Role, k.Name, k.CreatedAt.Format(time.RFC3339), revoked})
				}
				tw.Render()
				printNextCursor(page.NextCursor)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&callerID, "caller-id", "", "filter by caller")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size")
	cmd.Flags().StringVar(&cursor, "cursor", "", "page cursor")
	return cmd
}

func apiKeyRevokeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "revoke <id>",
		Short: "Revoke an API key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := requireKeyManager(); err != nil {
				return err
			}
			return withApp(cmd.Context(), func(ctx context.Context, a *app.App) error {
				if err := a.Engine.Repo.RevokeAPIKey(ctx, args[0], time.Now()); err != nil {
					return err
				}
				fmt.Println("revoked", args[0])
				return nil
			})
		},
	}
}

func tokenCmd() *cobra.Command {
	c := &cobra.Command{Use: "token", Short: "Bearer tokens"}
	var callerID, role, name string
	var ttl time.Duration
	mint := &cobra.Command{
		Use:   "mint",
		Short: "Sign a bearer token with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := requireKeyManager(); err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if ttl == 0 {
				ttl = cfg.Auth.TokenTTL
			}
			tok, err := identity.Mint(cfg.Auth.JWTSecret, domain.Caller{ID: callerID, Role: domain.Role(role), Name: name}, ttl, time.Now())
			if err != nil {
				return err
			}
			fmt.Println(tok)
			return nil
		},
	}
	mint.Flags().StringVar(&callerID, "caller-id", "", "token subject")
	mint.Flags().StringVar(&role, "token-role", "", "role claim")
	mint.Flags().StringVar(&name, "name", "", "display name claim")
	mint.Flags().DurationVar(&ttl, "ttl", 0, "lifetime (defaults to auth.token_ttl)")
	c.AddCommand(mint)
	return c
}
