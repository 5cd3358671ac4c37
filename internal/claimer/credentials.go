package claimer

import (
	"strconv"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/taskqueue/engine/internal/model"
)

// CredentialMinter mints the short-lived signed credential a claimed run
// carries, generalized from cklxx-elephant.ai's JWTTokenManager: same
// HS256-signed-claims shape, narrowed to the fields a claimed run needs
// (taskId, runId, workerGroup, workerId, scopes) instead of a user
// session.
type CredentialMinter struct {
	secret []byte
	issuer string
}

// NewCredentialMinter returns a minter signing with secret, identifying
// itself as issuer in every token's iss claim.
func NewCredentialMinter(secret, issuer string) *CredentialMinter {
	return &CredentialMinter{secret: []byte(secret), issuer: issuer}
}

// Mint issues a token valid until expiresAt, scoped to one run.
func (m *CredentialMinter) Mint(taskID string, runID int, workerGroup, workerID string, scopes []string, expiresAt time.Time) (string, error) {
	claims := jwt.MapClaims{
		"taskId":      taskID,
		"runId":       runID,
		"workerGroup": workerGroup,
		"workerId":    workerID,
		"scopes":      scopes,
		"exp":         expiresAt.Unix(),
		"iss":         m.issuer,
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(m.secret)
}

// credentialScopesFor builds the scope set a claimed run's credential
// carries: the task's own scopes plus a queue:claim-task scope for its
// (taskId, runId) pair, the way a worker proves it holds a specific
// claim when it later calls report*/reclaim.
func credentialScopesFor(task *model.Task, runID int) []string {
	out := make([]string, 0, len(task.Definition.Scopes)+1)
	out = append(out, task.Definition.Scopes...)
	out = append(out, "queue:claim-task:"+task.TaskID+"/"+strconv.Itoa(runID))
	return out
}
