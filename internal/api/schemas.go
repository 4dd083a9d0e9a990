package api

const registerWalletSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["address"],
  "properties": {
    "address": {"type": "string", "minLength": 1, "maxLength": 64},
    "type": {"type": "string", "enum": ["solana", "phantom", "solflare", "backpack"]},
    "name": {"type": "string", "maxLength": 255},
    "public_key": {"type": "string", "maxLength": 64},
    "derivation_path": {"type": "string", "maxLength": 255}
  }
}`

const updateWalletSchema = `{
  "type": "object",
  "additionalProperties": false,
  "minProperties": 1,
  "properties": {
    "address": {"type": "string", "minLength": 1, "maxLength": 64},
    "type": {"type": "string", "enum": ["solana", "phantom", "solflare", "backpack"]},
    "name": {"type": "string", "maxLength": 255},
    "public_key": {"type": "string", "maxLength": 64},
    "derivation_path": {"type": "string", "maxLength": 255},
    "is_active": {"type": "boolean"},
    "is_verified": {"type": "boolean"}
  }
}`

const submitTransferSchema = `{
  "type": "object",
  "additionalProperties": false,
  "required": ["from_wallet_id", "to_wallet_id", "amount", "signed_transaction"],
  "properties": {
    "from_wallet_id": {"type": "string", "minLength": 1},
    "to_wallet_id": {"type": "string", "minLength": 1},
    "amount": {"type": "string", "pattern": "^[0-9]+(\\.[0-9]{1,9})?$"},
    "type": {"type": "string", "enum": ["transfer", "swap", "stake", "unstake", "token_transfer"]},
    "token_mint": {"type": "string", "maxLength": 64},
    "memo": {"type": "string", "maxLength": 566},
    "metadata": {"type": "object"},
    "signed_transaction": {"type": "string", "minLength": 1, "contentEncoding": "base64"}
  }
}`
