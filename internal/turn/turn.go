package turn

import (
	"crypto/rand"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pion/turn/v3"
)

// Server wraps an embedded STUN/TURN relay so peers behind symmetric NAT can
// still complete media paths. Signaling itself never touches media; this just
// gives clients a relay candidate to offer.
type Server struct {
	server   *turn.Server
	username string
	password string

	logger *slog.Logger
}

type Credentials struct {
	Username string
	Password string
}

func Initialize(port int, realm string, logger *slog.Logger) (*Server, error) {
	udpListener, err := net.ListenPacket("udp4", fmt.Sprintf("0.0.0.0:%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to create UDP listener: %w", err)
	}

	creds := loadOrGenerateCredentials(logger)

	// Relayed candidates must carry an address the peer can actually reach.
	publicIP := getPublicIP(logger)
	if publicIP == nil {
		logger.Warn("Could not determine public IP, falling back to local IP detection")
		publicIP = getLocalIP(logger)
	}
	logger.Info(fmt.Sprintf("TURN server will use relay address: %s", publicIP.String()))

	s, err := turn.NewServer(turn.ServerConfig{
		Realm:       realm,
		AuthHandler: staticAuthHandler(creds.Username, creds.Password),
		PacketConnConfigs: []turn.PacketConnConfig{
			{
				PacketConn: udpListener,
				RelayAddressGenerator: &turn.RelayAddressGeneratorStatic{
					RelayAddress: publicIP,
					Address:      "0.0.0.0",
				},
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create TURN server: %w", err)
	}

	logger.Info(fmt.Sprintf("TURN server initialized on port %d", port))

	return &Server{
		server:   s,
		username: creds.Username,
		password: creds.Password,

		logger: logger,
	}, nil
}

func (ts *Server) GetCredentials() Credentials {
	return Credentials{
		Username: ts.username,
		Password: ts.password,
	}
}

func (ts *Server) Close() error {
	if ts.server != nil {
		return ts.server.Close()
	}
	return nil
}

func loadOrGenerateCredentials(logger *slog.Logger) Credentials {
	if u, p := os.Getenv("TURN_USERNAME"), os.Getenv("TURN_PASSWORD"); u != "" && p != "" {
		return Credentials{Username: u, Password: p}
	}

	keysDir := getKeysDirectory()
	usernameFile := filepath.Join(keysDir, "turn-username.key")
	passwordFile := filepath.Join(keysDir, "turn-password.key")

	if usernameData, err := os.ReadFile(usernameFile); err == nil {
		if passwordData, err := os.ReadFile(passwordFile); err == nil {
			return Credentials{
				Username: strings.TrimSpace(string(usernameData)),
				Password: strings.TrimSpace(string(passwordData)),
			}
		}
	}

	username := "kincall"
	password := generatePassword()

	if err := os.MkdirAll(keysDir, 0700); err == nil {
		os.WriteFile(usernameFile, []byte(username), 0600)
		os.WriteFile(passwordFile, []byte(password), 0600)
		logger.Info(fmt.Sprintf("TURN credentials saved to: %s", keysDir))
	}

	return Credentials{
		Username: username,
		Password: password,
	}
}

func getKeysDirectory() string {
	execPath, err := os.Executable()
	if err != nil {
		return "keys"
	}
	return filepath.Join(filepath.Dir(execPath), "keys")
}

func staticAuthHandler(expectedUsername, expectedPassword string) turn.AuthHandler {
	return func(username string, realm string, srcAddr net.Addr) ([]byte, bool) {
		if username == expectedUsername {
			return turn.GenerateAuthKey(username, realm, expectedPassword), true
		}
		return nil, false
	}
}

func generatePassword() string {
	b := make([]byte, 16)
	rand.Read(b)
	return fmt.Sprintf("%x", b)
}

func getPublicIP(logger *slog.Logger) net.IP {
	if override := os.Getenv("TURN_PUBLIC_IP"); override != "" {
		if ip := net.ParseIP(override); ip != nil {
			return ip
		}
		logger.Warn(fmt.Sprintf("Invalid TURN_PUBLIC_IP: %s", override))
	}

	client := &http.Client{
		Timeout: 5 * time.Second,
	}

	resp, err := client.Get("https://api.ipify.org")
	if err != nil {
		logger.Error("Failed to get public IP from ipify.org", "error", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		logger.Error(fmt.Sprintf("ipify.org returned status: %d", resp.StatusCode))
		return nil
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		logger.Error("Failed to read response from ipify.org", "error", err)
		return nil
	}

	ip := net.ParseIP(strings.TrimSpace(string(body)))
	if ip == nil {
		logger.Warn(fmt.Sprintf("Invalid IP address from ipify.org: %s", string(body)))
		return nil
	}

	logger.Info(fmt.Sprintf("Detected public IP: %s", ip.String()))
	return ip
}

func getLocalIP(logger *slog.Logger) net.IP {
	conn, err := net.Dial("udp", "8.8.8.8:80")
	if err != nil {
		logger.Error("Failed to determine local IP", "error", err)
		return net.ParseIP("127.0.0.1")
	}
	defer conn.Close()

	localAddr := conn.LocalAddr().(*net.UDPAddr)
	logger.Info(fmt.Sprintf("Detected local IP: %s", localAddr.IP.String()))
	return localAddr.IP
}
