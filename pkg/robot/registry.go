package robot

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/destinylab/destiny/pkg/log"
	"github.com/destinylab/destiny/pkg/storage"
	"github.com/destinylab/destiny/pkg/types"
)

// Registry manages robot registration and credentials. A robot's client
// secret is returned exactly once per issuance; afterwards only its encrypted
// form exists.
type Registry struct {
	store storage.Store
	enc   *Encryptor
}

// NewRegistry creates a registry over the given store and encryptor.
func NewRegistry(store storage.Store, enc *Encryptor) *Registry {
	return &Registry{store: store, enc: enc}
}

// Register creates a robot and returns it together with the plaintext client
// secret. The caller must hand the secret to the robot operator; it cannot be
// retrieved again, only rotated.
func (r *Registry) Register(name, baseURL, owner string) (*types.Robot, string, error) {
	if name == "" {
		return nil, "", fmt.Errorf("robot name cannot be empty")
	}
	if existing, err := r.store.GetRobotByName(name); err == nil && existing != nil {
		return nil, "", fmt.Errorf("robot %q already registered", name)
	}

	secret, err := newClientSecret()
	if err != nil {
		return nil, "", err
	}
	encrypted, err := r.enc.Encrypt([]byte(secret))
	if err != nil {
		return nil, "", fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	now := time.Now()
	robot := &types.Robot{
		ID:              uuid.NewString(),
		Name:            name,
		BaseURL:         baseURL,
		Owner:           owner,
		ClientSecretEnc: encrypted,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
	if err := r.store.CreateRobot(robot); err != nil {
		return nil, "", err
	}

	logger := log.WithRobotID(robot.ID)
	logger.Info().Str("name", name).Msg("Registered robot")
	return robot, secret, nil
}

// RotateSecret issues a fresh client secret for an existing robot and
// invalidates the old one.
func (r *Registry) RotateSecret(robotID string) (string, error) {
	robot, err := r.store.GetRobot(robotID)
	if err != nil {
		return "", err
	}

	secret, err := newClientSecret()
	if err != nil {
		return "", err
	}
	encrypted, err := r.enc.Encrypt([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("failed to encrypt client secret: %w", err)
	}

	robot.ClientSecretEnc = encrypted
	robot.UpdatedAt = time.Now()
	if err := r.store.UpdateRobot(robot); err != nil {
		return "", err
	}

	logger := log.WithRobotID(robotID)
	logger.Info().Msg("Rotated robot client secret")
	return secret, nil
}

// secretFor decrypts the stored client secret of a robot.
func (r *Registry) secretFor(robotID string) ([]byte, error) {
	robot, err := r.store.GetRobot(robotID)
	if err != nil {
		return nil, err
	}
	if len(robot.ClientSecretEnc) == 0 {
		return nil, fmt.Errorf("robot %s has no client secret", robotID)
	}
	return r.enc.Decrypt(robot.ClientSecretEnc)
}
