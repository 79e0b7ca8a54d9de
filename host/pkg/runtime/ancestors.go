package runtime

import (
	"github.com/gagliardetto/solana-go"

	"github.com/malbeclabs/matrix/engine/pkg/state"
	"github.com/malbeclabs/matrix/engine/pkg/token"
)

// AncestorTriples lists the accounts a registration under sponsor must supply after the
// wrapped-asset account: for each link of the sponsor's ancestry window, closest first,
// the ancestor's record, its wallet and the wallet's associated reward account.
func AncestorTriples(sponsor *state.Account, rewardMint solana.PublicKey) ([]solana.PublicKey, error) {
	links := sponsor.Ancestry.Closest()
	out := make([]solana.PublicKey, 0, 3*len(links))
	for _, link := range links {
		reward, err := token.RewardAccountAddress(link.Wallet, rewardMint)
		if err != nil {
			return nil, err
		}
		out = append(out, link.Account, link.Wallet, reward)
	}
	return out, nil
}
