// Command chatclient is a terminal client for the messaging core. Every line
// read from stdin is sent to the peer; inbound messages, status changes and
// typing signals are printed as they arrive.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"anichat-rt/internal/auth"
	"anichat-rt/internal/client"
	"anichat-rt/internal/e2ee"
	"anichat-rt/internal/keystore"
	"anichat-rt/internal/logging"
	"anichat-rt/internal/model"
)

const keyMaxAge = 90 * 24 * time.Hour

func main() {
	flags := pflag.NewFlagSet("chatclient", pflag.ExitOnError)
	flags.String("server", "http://localhost:3000", "server base URL")
	flags.String("user", "", "your user id")
	flags.String("peer", "", "user id to chat with")
	flags.String("token", "", "bearer token; minted from MASTER_SECRET when empty")
	flags.String("key-file", "", "key file path (default ~/.chatrt/<user>.key)")
	flags.String("passphrase", "", "key file passphrase")
	flags.Bool("plaintext", false, "do not enable end-to-end encryption")
	flags.String("log-level", "warn", "log level")
	_ = flags.Parse(os.Args[1:])

	v := viper.New()
	_ = v.BindPFlags(flags)
	v.SetEnvPrefix("CHATRT")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	logger, err := logging.New(v.GetString("log-level"), "text")
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	}

	userID, peerID := v.GetString("user"), v.GetString("peer")
	if userID == "" || peerID == "" {
		fmt.Fprintln(os.Stderr, "--user and --peer are required")
		os.Exit(2)
	}

	token := v.GetString("token")
	if token == "" {
		secret := os.Getenv("MASTER_SECRET")
		if secret == "" {
			logger.Fatal("either --token or MASTER_SECRET is required")
		}
		token, err = auth.CreateToken(userID, auth.DefaultTokenConfig(secret))
		if err != nil {
			logger.WithError(err).Fatal("mint token")
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	opts := client.Options{
		BaseURL:   v.GetString("server"),
		UserID:    userID,
		Token:     token,
		Logger:    logger,
		OnMessage: printMessage,
		OnStatus: func(id string, s model.MessageStatus) {
			fmt.Printf("  [%s] %s\n", shortID(id), s)
		},
		OnTyping: func(sender string, isTyping bool) {
			if isTyping {
				fmt.Printf("  %s is typing...\n", sender)
			}
		},
	}
	if !v.GetBool("plaintext") {
		entry, err := loadKeys(v, userID, logger)
		if err != nil {
			logger.WithError(err).Fatal("load keys")
		}
		opts.Keys = entry.Keys
	}

	c := client.New(opts)
	c.Start(ctx)
	defer c.Close()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := c.WaitConnected(waitCtx); err != nil {
		fmt.Println("socket unavailable; sending over REST until it reconnects")
	}
	cancel()

	if opts.Keys != nil {
		err := c.EnableEncryption(ctx, peerID)
		switch {
		case errors.Is(err, e2ee.ErrRecipientNotSetUp):
			fmt.Printf("%s has not set up encryption yet; messages are sent in plaintext\n", peerID)
		case err != nil:
			logger.WithError(err).Warn("enable encryption")
		default:
			fmt.Println("end-to-end encryption enabled")
		}
	}

	if history, err := c.History(ctx, peerID, 20); err == nil {
		for _, in := range history {
			printMessage(in)
		}
	}

	lines := make(chan string)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			if opts.Keys != nil && c.EncryptionState(peerID) != e2ee.EncryptionEnabled {
				_ = c.EnableEncryption(ctx, peerID)
			}
			res, err := c.SendMessage(ctx, peerID, line)
			if err != nil {
				fmt.Printf("  ! not sent: %v\n", err)
				continue
			}
			lock := ""
			if !res.Encrypted {
				lock = " (plaintext)"
			}
			fmt.Printf("  [%s] %s via %s%s\n", shortID(res.Message.ID), res.Message.Status, res.Transport, lock)
		}
	}
}

func loadKeys(v *viper.Viper, userID string, log logrus.FieldLogger) (keystore.Entry, error) {
	path := v.GetString("key-file")
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return keystore.Entry{}, err
		}
		path = filepath.Join(home, ".chatrt", userID+".key")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return keystore.Entry{}, err
	}
	entry, created, err := keystore.LoadOrCreate(path, v.GetString("passphrase"), userID, time.Now())
	if err != nil {
		return keystore.Entry{}, err
	}
	if created {
		log.WithField("path", path).Info("generated new key pair")
	}
	if entry.NeedsRotation(time.Now(), keyMaxAge) {
		fmt.Printf("warning: your key pair is older than %d days\n", int(keyMaxAge.Hours()/24))
	}
	return entry, nil
}

func printMessage(in client.Inbound) {
	lock := ""
	if in.Encrypted {
		lock = "[e2ee] "
	}
	at := time.UnixMilli(in.Message.CreatedAt).Format("15:04")
	fmt.Printf("%s %s%s: %s\n", at, lock, in.Message.SenderID, in.Text)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
