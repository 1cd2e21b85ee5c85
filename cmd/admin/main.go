// admin is the operator CLI of the session authority. It works directly against DATABASE_URL.
//
//	admin token -user alice [-email a@example.com] [-admin] [-ttl 1h]
//	admin block -device d1 [-reason "reported stolen"]
//	admin unblock -device d1
//	admin blocked
//	admin revoke -session <id>
//	admin reconcile -user alice
//	admin policy-add -file deny.rego [-name geo] [-enable]
//	admin policy-enable -id <id> [-off]
//	admin policy-delete -id <id>
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"session-authority/internal/authority/service"
	"session-authority/internal/config"
	"session-authority/internal/db"
	devicerepo "session-authority/internal/device/repository"
	identitydomain "session-authority/internal/identity/domain"
	"session-authority/internal/logging"
	"session-authority/internal/policy/domain"
	"session-authority/internal/policy/engine"
	policyrepo "session-authority/internal/policy/repository"
	"session-authority/internal/security"
	sessionrepo "session-authority/internal/session/repository"
	userrepo "session-authority/internal/user/repository"
)

const operator = "admin-cli"

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.New("info", "text").WithError(err).Fatal("config")
	}
	log := logging.New(cfg.LogLevel, "text")

	if len(os.Args) < 2 {
		usage()
	}
	cmd, args := os.Args[1], os.Args[2:]
	ctx := context.Background()

	if cmd == "token" {
		if err := issueToken(cfg, args); err != nil {
			log.WithError(err).Fatal("token")
		}
		return
	}

	conn, err := db.Open(cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("db")
	}
	defer conn.Close()

	devices := devicerepo.NewPostgresRepository(conn)
	policies := policyrepo.NewPostgresRepository(conn)
	authority := service.New(service.Deps{
		Sessions:  sessionrepo.NewPostgresRepository(conn),
		Accounts:  userrepo.NewPostgresRepository(conn),
		BlockList: devices,
		Log:       log,
	}, service.Config{MaxDevices: cfg.MaxDevices})

	fs := flag.NewFlagSet(cmd, flag.ExitOnError)
	switch cmd {
	case "block":
		device := fs.String("device", "", "Device id to block")
		reason := fs.String("reason", "", "Reason recorded with the block")
		_ = fs.Parse(args)
		require(log, "device", *device)
		if err := devices.Block(ctx, *device, *reason, operator); err != nil {
			log.WithError(err).Fatal("block")
		}
		log.WithField("device_id", *device).Info("device blocked")
	case "unblock":
		device := fs.String("device", "", "Device id to unblock")
		_ = fs.Parse(args)
		require(log, "device", *device)
		if err := devices.Unblock(ctx, *device); err != nil {
			log.WithError(err).Fatal("unblock")
		}
		log.WithField("device_id", *device).Info("device unblocked")
	case "blocked":
		_ = fs.Parse(args)
		list, err := devices.List(ctx)
		if err != nil {
			log.WithError(err).Fatal("list blocked devices")
		}
		for _, b := range list {
			fmt.Printf("%s\t%s\t%s\t%s\n", b.DeviceID, b.CreatedAt.Format(time.RFC3339), b.BlockedBy, b.Reason)
		}
	case "revoke":
		id := fs.String("session", "", "Session record id")
		_ = fs.Parse(args)
		require(log, "session", *id)
		rec, err := authority.Revoke(ctx, *id, operator)
		if err != nil {
			log.WithError(err).Fatal("revoke")
		}
		log.WithField("user_id", rec.UserID).WithField("device_id", rec.DeviceID).Info("session revoked")
	case "reconcile":
		user := fs.String("user", "", "User id")
		_ = fs.Parse(args)
		require(log, "user", *user)
		n, err := authority.Reconcile(ctx, *user)
		if err != nil {
			log.WithError(err).Fatal("reconcile")
		}
		log.WithField("user_id", *user).WithField("active_sessions", n).Info("counter reconciled")
	case "policy-add":
		file := fs.String("file", "", "Rego module to add")
		name := fs.String("name", "", "Policy name")
		enable := fs.Bool("enable", false, "Enable the policy immediately")
		_ = fs.Parse(args)
		require(log, "file", *file)
		b, err := os.ReadFile(*file)
		if err != nil {
			log.WithError(err).Fatal("read policy")
		}
		if err := engine.Validate(string(b)); err != nil {
			log.WithError(err).Fatal("policy does not compile")
		}
		p := &domain.Policy{ID: uuid.New().String(), Name: *name, Rules: string(b), Enabled: *enable, CreatedAt: time.Now().UTC()}
		if err := policies.Create(ctx, p); err != nil {
			log.WithError(err).Fatal("create policy")
		}
		log.WithField("policy_id", p.ID).WithField("enabled", p.Enabled).Info("policy added")
	case "policy-enable":
		id := fs.String("id", "", "Policy id")
		off := fs.Bool("off", false, "Disable instead of enable")
		_ = fs.Parse(args)
		require(log, "id", *id)
		if err := policies.SetEnabled(ctx, *id, !*off); err != nil {
			log.WithError(err).Fatal("set policy enabled")
		}
		log.WithField("policy_id", *id).WithField("enabled", !*off).Info("policy updated")
	case "policy-delete":
		id := fs.String("id", "", "Policy id")
		_ = fs.Parse(args)
		require(log, "id", *id)
		if err := policies.Delete(ctx, *id); err != nil {
			log.WithError(err).Fatal("delete policy")
		}
		log.WithField("policy_id", *id).Info("policy deleted")
	default:
		usage()
	}
}

func issueToken(cfg *config.Config, args []string) error {
	fs := flag.NewFlagSet("token", flag.ExitOnError)
	user := fs.String("user", "", "Subject (user id)")
	email := fs.String("email", "", "Email claim")
	name := fs.String("name", "", "Display name claim")
	admin := fs.Bool("admin", false, "Grant the session admin role")
	ttl := fs.Duration("ttl", time.Hour, "Token lifetime")
	_ = fs.Parse(args)
	if *user == "" {
		return fmt.Errorf("-user is required")
	}

	var issuer *security.Issuer
	switch {
	case cfg.JWTPrivateKey != "":
		key, err := security.ParsePrivateKey(cfg.JWTPrivateKey)
		if err != nil {
			return err
		}
		if issuer, err = security.NewIssuer(key, cfg.JWTIssuer, cfg.JWTAudience, *ttl); err != nil {
			return err
		}
	case cfg.JWTHMACSecret != "":
		issuer = security.NewHMACIssuer([]byte(cfg.JWTHMACSecret), cfg.JWTIssuer, cfg.JWTAudience, *ttl)
	default:
		return fmt.Errorf("JWT_PRIVATE_KEY or JWT_HMAC_SECRET is required to mint tokens")
	}

	var roles []string
	if *admin {
		roles = append(roles, security.RoleAdmin)
	}
	token, exp, err := issuer.Issue(identitydomain.Identity{UID: *user, Email: *email, DisplayName: *name}, roles...)
	if err != nil {
		return err
	}
	fmt.Println(token)
	fmt.Fprintf(os.Stderr, "expires %s\n", exp.Format(time.RFC3339))
	return nil
}

func require(log logrus.FieldLogger, flagName, value string) {
	if value == "" {
		log.Fatalf("-%s is required", flagName)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: admin <token|block|unblock|blocked|revoke|reconcile|policy-add|policy-enable|policy-delete> [flags]")
	os.Exit(2)
}
