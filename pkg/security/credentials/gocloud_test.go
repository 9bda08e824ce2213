package credentials

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocloud.dev/secrets"
	_ "gocloud.dev/secrets/localsecrets" // Enable local secrets for testing
)

// Helper function to create a test provider with credentials
func createTestProvider(t *testing.T, creds *Credentials) (*SecretProvider, func()) {
	ctx := context.Background()

	// Create keeper with a fixed key for testing
	fixedKey := "smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="
	url := fmt.Sprintf("base64key://%s", fixedKey)

	keeper, err := secrets.OpenKeeper(ctx, url)
	require.NoError(t, err)

	// Create secret data
	secretData := SecretData{
		Credentials: creds,
		Version:     1,
		CreatedAt:   time.Now(),
		Metadata: map[string]string{
			"created_by": "test",
		},
	}

	// Marshal and encrypt
	plaintext, err := json.Marshal(secretData)
	require.NoError(t, err)

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	require.NoError(t, err)

	// Now inject the ciphertext back into a new keeper
	// We'll use a file-based approach since base64key doesn't persist
	tmpDir, err := os.MkdirTemp("", "credentials-test-*")
	require.NoError(t, err)

	secretFile := filepath.Join(tmpDir, "secret.enc")
	err = os.WriteFile(secretFile, ciphertext, 0600)
	require.NoError(t, err)

	// Create a custom keeper that reads from the file
	// Since we can't use file:// scheme, we'll use a workaround
	// by creating a modified SecretProvider directly

	provider := &SecretProvider{
		keeper:      keeper,
		config:      DefaultConfig(),
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}

	// Manually load credentials for testing
	provider.mu.Lock()
	provider.cachedCreds = creds
	provider.cacheExpiry = time.Now().Add(provider.config.CacheTTL)
	provider.credentialType = creds.Type
	provider.mu.Unlock()

	// Don't start auto-refresh for tests by default
	close(provider.refreshDone)

	cleanup := func() {
		provider.Close()
		keeper.Close()
		os.RemoveAll(tmpDir)
	}

	return provider, cleanup
}

func TestSecretProvider_LocalStorage(t *testing.T) {
	ctx := context.Background()

	// Create test credentials
	testCreds := &Credentials{
		Type:  CredentialTypeToken,
		Token: "test-secret-token",
		Metadata: map[string]string{
			"environment": "test",
		},
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, testCreds)
	defer cleanup()

	// Verify credentials
	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, CredentialTypeToken, creds.Type)
	assert.Equal(t, "test-secret-token", creds.Token)
	assert.Equal(t, "test", creds.Metadata["environment"])
}

func TestSecretProvider_RandomKey(t *testing.T) {
	ctx := context.Background()

	// Create keeper with random key
	keeper, err := secrets.OpenKeeper(ctx, "base64key://")
	require.NoError(t, err)
	defer keeper.Close()

	// Create secret data
	secretData := SecretData{
		Credentials: &Credentials{
			Type:  CredentialTypeToken,
			Token: "random-key-token",
		},
		Version:   1,
		CreatedAt: time.Now(),
	}

	// Marshal and encrypt
	plaintext, err := json.Marshal(secretData)
	require.NoError(t, err)

	ciphertext, err := keeper.Encrypt(ctx, plaintext)
	require.NoError(t, err)

	// Decrypt and verify
	decrypted, err := keeper.Decrypt(ctx, ciphertext)
	require.NoError(t, err)

	var decoded SecretData
	err = json.Unmarshal(decrypted, &decoded)
	require.NoError(t, err)

	assert.Equal(t, "random-key-token", decoded.Credentials.Token)
}

func TestSecretProvider_Caching(t *testing.T) {
	ctx := context.Background()

	// Create test credentials
	testCreds := &Credentials{
		Type:  CredentialTypeToken,
		Token: "cached-token",
	}

	// Create test provider with custom config for short cache
	fixedKey := "smGbjm71Nxd1Ig5FS0wj9SlbzAIrnolCz9bQQ6uAhl4="
	url := fmt.Sprintf("base64key://%s", fixedKey)

	keeper, err := secrets.OpenKeeper(ctx, url)
	require.NoError(t, err)
	defer keeper.Close()

	provider := &SecretProvider{
		keeper:      keeper,
		config:      ProviderConfig{
			CacheTTL:        100 * time.Millisecond,
			AutoRefresh:     false,
			RefreshInterval: 0,
		},
		refreshStop: make(chan struct{}),
		refreshDone: make(chan struct{}),
	}

	// Manually load credentials for testing
	provider.mu.Lock()
	provider.cachedCreds = testCreds
	provider.cacheExpiry = time.Now().Add(100 * time.Millisecond)
	provider.credentialType = testCreds.Type
	provider.mu.Unlock()

	close(provider.refreshDone)
	defer provider.Close()

	// First call - cache hit
	creds1, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cached-token", creds1.Token)

	// Second call - cache hit (should be fast)
	creds2, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "cached-token", creds2.Token)

	// Wait for cache to expire
	time.Sleep(150 * time.Millisecond)

	// Third call - cache expired, will fail since we don't have real storage
	// But we can verify the cache expired
	provider.mu.RLock()
	expired := time.Now().After(provider.cacheExpiry)
	provider.mu.RUnlock()
	assert.True(t, expired, "cache should have expired")
}

func TestSecretProvider_RepeatedGetCredentials(t *testing.T) {
	ctx := context.Background()

	// Create test credentials
	testCreds := &Credentials{
		Type:  CredentialTypeToken,
		Token: "auto-refresh-token",
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, testCreds)
	defer cleanup()

	// Get initial credentials
	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "auto-refresh-token", creds.Token)

	// Since we manually loaded credentials, they should be available
	creds, err = provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "auto-refresh-token", creds.Token)
}

func TestSecretProvider_Rotation(t *testing.T) {
	ctx := context.Background()

	// Create test credentials
	testCreds := &Credentials{
		Type:  CredentialTypeToken,
		Token: "initial-token",
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, testCreds)
	defer cleanup()

	// Get initial credentials
	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, "initial-token", creds.Token)

	// Rotate clears the cache and reloads; without backing storage the
	// reload fails
	err = provider.Rotate(ctx)
	assert.Error(t, err) // Expected to fail without backing storage
}

func TestSecretProvider_InvalidCredentials(t *testing.T) {
	ctx := context.Background()

	// Create keeper
	keeper, err := secrets.OpenKeeper(ctx, "base64key://")
	require.NoError(t, err)
	defer keeper.Close()

	// Create invalid secret data (missing required fields)
	secretData := SecretData{
		Credentials: &Credentials{
			Type: CredentialTypeToken,
			// Token is missing!
		},
		Version:   1,
		CreatedAt: time.Now(),
	}

	plaintext, err := json.Marshal(secretData)
	require.NoError(t, err)

	// Encrypt the invalid data
	_, err = keeper.Encrypt(ctx, plaintext)
	require.NoError(t, err)

	// loadCredentials runs Validate on the decrypted secret data, which
	// rejects these credentials
	assert.ErrorIs(t, secretData.Credentials.Validate(), ErrInvalidCredentials)
}

func TestSecretProvider_Type(t *testing.T) {
	// Create test credentials
	tokenCreds := &Credentials{
		Type:  CredentialTypeToken,
		Token: "test-token",
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, tokenCreds)
	defer cleanup()

	assert.Equal(t, CredentialTypeToken, provider.Type())
}

func TestSecretProvider_Close(t *testing.T) {
	ctx := context.Background()

	// Create test credentials
	testCreds := &Credentials{
		Type:  CredentialTypeToken,
		Token: "close-test-token",
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, testCreds)
	defer cleanup()

	// Close provider
	err := provider.Close()
	require.NoError(t, err)

	// Subsequent operations should fail
	_, err = provider.GetCredentials(ctx)
	assert.ErrorIs(t, err, ErrProviderClosed)

	// Close again should be idempotent
	err = provider.Close()
	assert.NoError(t, err)
}

func TestSecretProvider_ThreadSafety(t *testing.T) {
	ctx := context.Background()

	// Create test credentials
	testCreds := &Credentials{
		Type:  CredentialTypeToken,
		Token: "thread-safe-token",
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, testCreds)
	defer cleanup()

	// Concurrently access credentials
	var wg sync.WaitGroup
	numGoroutines := 100
	errors := make(chan error, numGoroutines)

	for i := 0; i < numGoroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			creds, err := provider.GetCredentials(ctx)
			if err != nil {
				errors <- err
				return
			}
			if creds.Token != "thread-safe-token" {
				errors <- fmt.Errorf("unexpected token: %s", creds.Token)
			}
		}()
	}

	wg.Wait()
	close(errors)

	// Check for errors
	for err := range errors {
		assert.NoError(t, err)
	}
}

func TestSecretProvider_UserPassword(t *testing.T) {
	ctx := context.Background()

	// Create user/password credentials
	testCreds := &Credentials{
		Type:     CredentialTypeUserPassword,
		User:     "testuser",
		Password: "testpass",
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, testCreds)
	defer cleanup()

	// Verify credentials
	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, CredentialTypeUserPassword, creds.Type)
	assert.Equal(t, "testuser", creds.User)
	assert.Equal(t, "testpass", creds.Password)
}

func TestSecretProvider_NKey(t *testing.T) {
	ctx := context.Background()

	// Create NKey credentials
	testCreds := &Credentials{
		Type:      CredentialTypeNKey,
		PublicKey: "UABC123",
		Seed:      "SUABC123",
	}

	// Create test provider
	provider, cleanup := createTestProvider(t, testCreds)
	defer cleanup()

	// Verify credentials
	creds, err := provider.GetCredentials(ctx)
	require.NoError(t, err)
	assert.Equal(t, CredentialTypeNKey, creds.Type)
	assert.Equal(t, "UABC123", creds.PublicKey)
	assert.Equal(t, "SUABC123", creds.Seed)
}

func TestSecretProvider_EmptyURL(t *testing.T) {
	ctx := context.Background()

	_, err := NewSecretProvider(ctx, "")
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "required")
}

func TestSecretProvider_InvalidURL(t *testing.T) {
	ctx := context.Background()

	_, err := NewSecretProvider(ctx, "invalid://url")
	assert.Error(t, err)
}

func TestStoreCredentials_InvalidCredentials(t *testing.T) {
	// Try to store invalid credentials (missing token)
	invalidCreds := &Credentials{
		Type: CredentialTypeToken,
		// Token is missing
	}

	// Validation should fail
	err := invalidCreds.Validate()
	assert.Error(t, err)
	assert.Contains(t, err.Error(), "token is required")
}
